package profiler

// The python image ships /runner.py, which executes the snippet under sys.settrace and
// emits sentinel-prefixed events next to the program's own output.
func wrapPython(code string) []string {
	return []string{"python3", "/runner.py", code}
}
