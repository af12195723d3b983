package governor

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps the first limit bytes written to it. Later writes are
// accepted and discarded so the copying goroutine keeps draining the pipe;
// Full is closed on the first overflow.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	overflow bool
	full     chan struct{}
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit, full: make(chan struct{})}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflow {
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) <= room {
		return b.buf.Write(p)
	}
	b.buf.Write(p[:room])
	b.overflow = true
	close(b.full)
	return len(p), nil
}

// Full is closed once the buffer has dropped data.
func (b *cappedBuffer) Full() <-chan struct{} {
	return b.full
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *cappedBuffer) String() string {
	return string(b.Bytes())
}
