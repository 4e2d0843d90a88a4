package profiler

import "strings"

// wrapCpp writes the snippet to main.cpp, compiles it and runs the binary in one shell.
// printf is used instead of echo so backslashes in the source reach the compiler untouched.
func wrapCpp(code string) []string {
	script := "printf '%s' " + shellQuote(code) + " > main.cpp && g++ main.cpp -o app && ./app"
	return []string{"sh", "-c", script}
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
