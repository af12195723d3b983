package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "ProgramCounter",
			in:   "TypeError: Cannot read property 'x' of null at analysis.js:3:14(27)",
			want: "TypeError: Cannot read property 'x' of null at analysis.js:3:14",
		},
		{
			name: "UnixPath",
			in:   "open /home/svc/data/vacancies.json: permission denied",
			want: "open <path>: permission denied",
		},
		{
			name: "WindowsPath",
			in:   `cannot read C:\Users\svc\data.json`,
			want: "cannot read <path>",
		},
		{
			name: "GoPackagePath",
			in:   "panic in github.com/dop251/goja.(*Runtime).RunProgram",
			want: "panic in <internal>",
		},
		{
			name: "Multiline",
			in:   "Error: first\n   second\tthird",
			want: "Error: first second third",
		},
		{
			name: "Empty",
			in:   "  \n ",
			want: "script raised an error",
		},
		{
			name: "PlainMessageKept",
			in:   "RangeError: bad ratio 1/2",
			want: "RangeError: bad ratio 1/2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeBoundsLength(t *testing.T) {
	out := Sanitize("Error: " + strings.Repeat("ж", 1000))
	assert.Equal(t, maxMessageRunes, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "..."))
}
