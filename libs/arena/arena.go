// Package arena hands out pool-managed byte buffers whose release obligation
// belongs to exactly one party at a time.
package arena

import (
	"sync/atomic"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// ErrDoubleRelease is the panic value when a buffer or set is released twice.
var ErrDoubleRelease = errors.New("arena: double release")

// ErrUseAfterRelease is the panic value when a released buffer is touched.
var ErrUseAfterRelease = errors.New("arena: use after release")

// Buffer is an owned, pool-managed allocation. Only the bytes inside the
// virtual window [offset, offset+count) are meaningful.
type Buffer struct {
	raw    []byte
	offset int
	count  int
	live   bool
}

// Bytes returns the virtual window.
func (b *Buffer) Bytes() []byte {
	b.check()
	return b.raw[b.offset : b.offset+b.count]
}

// Raw returns the whole physical slice.
func (b *Buffer) Raw() []byte {
	b.check()
	return b.raw
}

// Offset returns the start of the virtual window.
func (b *Buffer) Offset() int { return b.offset }

// Len returns the length of the virtual window.
func (b *Buffer) Len() int { return b.count }

// Cap returns the physical capacity.
func (b *Buffer) Cap() int { return cap(b.raw) }

// SetWindow moves the virtual window. It panics if the window does not fit
// in the physical slice.
func (b *Buffer) SetWindow(offset, count int) {
	b.check()
	if offset < 0 || count < 0 || offset+count > len(b.raw) {
		panic(errors.Errorf("arena: window [%v, %v) outside buffer of %v", offset, offset+count, len(b.raw)))
	}
	b.offset = offset
	b.count = count
}

func (b *Buffer) check() {
	if !b.live {
		panic(ErrUseAfterRelease)
	}
}

// Arena allocates Buffers and RefSets and keeps count of the ones that have
// not come back yet.
type Arena struct {
	pool    *pool.BufferPool
	buffers int64
	sets    int64
}

// New creates an arena with its own buffer pool.
func New() *Arena {
	return &Arena{pool: new(pool.BufferPool)}
}

// Alloc returns a buffer whose virtual window is [0, n).
func (a *Arena) Alloc(n int) *Buffer {
	atomic.AddInt64(&a.buffers, 1)
	return &Buffer{
		raw:   a.pool.Get(n),
		count: n,
		live:  true,
	}
}

// Copy allocates a buffer holding a copy of p.
func (a *Arena) Copy(p []byte) *Buffer {
	b := a.Alloc(len(p))
	copy(b.raw, p)
	return b
}

// Release gives b back to the pool. b must not be used afterwards.
func (a *Arena) Release(b *Buffer) {
	if b == nil {
		return
	}
	if !b.live {
		panic(ErrDoubleRelease)
	}
	b.live = false
	a.pool.Put(b.raw)
	b.raw = nil
	b.offset, b.count = 0, 0
	atomic.AddInt64(&a.buffers, -1)
}

// Outstanding reports how many buffers and sets are currently allocated.
func (a *Arena) Outstanding() (buffers, sets int) {
	return int(atomic.LoadInt64(&a.buffers)), int(atomic.LoadInt64(&a.sets))
}
