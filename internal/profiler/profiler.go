// Package profiler describes, per guest language, which runtime image runs it and how a snippet
// becomes a container command line.
//
// Adding a language is a single table entry: an image name, a build-context directory and a
// pure wrapping function from source text to argv.
package profiler

import (
	"fmt"
	"sort"

	"github.com/dontdude/syscore/internal/domain"
)

// Spec is everything the orchestrator needs to know about one language.
type Spec struct {
	// Image is the fixed runtime image name.
	Image string
	// ContextDir is the build-context directory, relative to the build-context root.
	ContextDir string
	// Wrap turns raw source text into the container command.
	Wrap func(code string) []string
}

var specs = map[domain.Language]Spec{
	domain.Python: {
		Image:      "okernel/python-runner",
		ContextDir: "python",
		Wrap:       wrapPython,
	},
	domain.Cpp: {
		Image:      "okernel/cpp-runner",
		ContextDir: "cpp",
		Wrap:       wrapCpp,
	},
}

// Lookup returns the spec for lang.
func Lookup(lang domain.Language) (Spec, error) {
	s, ok := specs[lang]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, lang)
	}
	return s, nil
}

// Command builds the container command for a job.
func Command(lang domain.Language, code string) ([]string, error) {
	s, err := Lookup(lang)
	if err != nil {
		return nil, err
	}
	return s.Wrap(code), nil
}

// Languages lists every supported language in a stable order.
func Languages() []domain.Language {
	out := make([]domain.Language, 0, len(specs))
	for l := range specs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
