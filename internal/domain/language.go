package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedLanguage is returned for a language tag outside the closed set.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Language is the closed set of guest languages a job may be written in.
type Language string

const (
	Python Language = "python"
	Cpp    Language = "cpp"
)

// ParseLanguage maps a request tag onto a Language.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python":
		return Python, nil
	case "cpp", "c++":
		return Cpp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
	}
}

func (l Language) String() string {
	return string(l)
}
