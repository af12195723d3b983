package engine

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxMessageRunes = 300

var (
	// "analysis.js:3:14(27)": the parenthesised VM program counter.
	programCounter = regexp.MustCompile(`(:\d+:\d+)\(\d+\)`)
	// "github.com/org/repo/pkg.Func" and similar module paths.
	goPackagePath = regexp.MustCompile(`\b[\w-]+(?:\.[\w-]+)+/[\w./()*-]+`)
	// Absolute unix paths with at least two segments.
	unixPath = regexp.MustCompile(`(?:^|[\s("'=])(/[\w.@+-]+(?:/[\w.@+-]*)+)`)
	// Windows drive paths.
	windowsPath = regexp.MustCompile(`\b[A-Za-z]:\\[^\s"']*`)
)

// Sanitize turns a script error into a single bounded line without host
// paths, Go package paths or VM program counters.
func Sanitize(msg string) string {
	msg = programCounter.ReplaceAllString(msg, "$1")
	msg = goPackagePath.ReplaceAllString(msg, "<internal>")
	msg = unixPath.ReplaceAllStringFunc(msg, func(m string) string {
		i := strings.IndexByte(m, '/')
		return m[:i] + "<path>"
	})
	msg = windowsPath.ReplaceAllString(msg, "<path>")
	msg = strings.Join(strings.Fields(msg), " ")

	if utf8.RuneCountInString(msg) > maxMessageRunes {
		runes := []rune(msg)
		msg = string(runes[:maxMessageRunes-3]) + "..."
	}
	if msg == "" {
		return "script raised an error"
	}
	return msg
}
