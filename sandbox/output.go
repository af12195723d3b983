package sandbox

import (
	"strings"
	"unicode/utf8"
)

// TruncateUTF8 returns the longest prefix of s that fits in limit bytes
// without splitting a multi-byte character.
func TruncateUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// outputBuffer collects printed text up to a byte limit. Writes past the
// limit are dropped and the buffer is marked truncated.
type outputBuffer struct {
	limit     int
	buf       strings.Builder
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) write(s string) {
	if b.truncated {
		return
	}
	room := b.limit - b.buf.Len()
	if len(s) <= room {
		b.buf.WriteString(s)
		return
	}
	b.buf.WriteString(TruncateUTF8(s, room))
	b.truncated = true
}

func (b *outputBuffer) String() string { return b.buf.String() }

func (b *outputBuffer) Truncated() bool { return b.truncated }
