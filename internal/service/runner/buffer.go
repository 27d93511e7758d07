package runner

import (
	"bytes"
	"sync"
)

// cappedBuffer accumulates process output up to limit bytes. With strict set,
// the write that crosses the limit fails and trips onOverflow; otherwise the
// excess is dropped silently. limit <= 0 means unbounded.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	strict     bool
	overflowed bool
	onChunk    func([]byte)
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflowed {
		if b.strict {
			return 0, ErrOutputLimit
		}
		return len(p), nil
	}

	chunk := p
	if b.limit > 0 {
		if room := b.limit - int64(b.buf.Len()); int64(len(p)) > room {
			chunk = p[:room]
			b.overflowed = true
		}
	}

	b.buf.Write(chunk)
	if b.onChunk != nil && len(chunk) > 0 {
		b.onChunk(chunk)
	}

	if b.overflowed {
		if b.onOverflow != nil {
			b.onOverflow()
		}
		if b.strict {
			return len(chunk), ErrOutputLimit
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}
