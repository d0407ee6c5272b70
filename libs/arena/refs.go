package arena

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInvalidRef is the panic value for a Ref that is neither Owned nor Borrowed.
var ErrInvalidRef = errors.New("arena: invalid buffer reference")

// Ref is a reference to produced bytes. It is always exactly one of Owned or
// Borrowed.
type Ref interface {
	isRef()
}

// Owned wraps a buffer the producer allocated. Whoever consumes the Ref must
// release the buffer.
type Owned struct {
	Buf *Buffer
}

// Borrowed is a view into storage the producer keeps. It is only valid during
// the call that returned it and has to be copied before being retained.
type Borrowed struct {
	Data []byte
}

func (Owned) isRef()    {}
func (Borrowed) isRef() {}

// Take consumes r and returns a buffer owned by the caller. Borrowed data is
// copied into a fresh allocation.
func (a *Arena) Take(r Ref) *Buffer {
	switch r := r.(type) {
	case Owned:
		if r.Buf == nil {
			panic(ErrInvalidRef)
		}
		r.Buf.check()
		return r.Buf
	case Borrowed:
		return a.Copy(r.Data)
	default:
		panic(ErrInvalidRef)
	}
}

// Bytes returns the bytes a Ref points at without consuming it.
func Bytes(r Ref) []byte {
	switch r := r.(type) {
	case Owned:
		if r.Buf == nil {
			panic(ErrInvalidRef)
		}
		return r.Buf.Bytes()
	case Borrowed:
		return r.Data
	default:
		panic(ErrInvalidRef)
	}
}

// RefSet is an ordered, arena-tracked sequence of Refs. Releasing the set does
// not release the buffers it points at.
type RefSet struct {
	refs []Ref
	live bool
}

var refSlices = sync.Pool{
	New: func() interface{} {
		return make([]Ref, 0, 8)
	},
}

// AllocSet returns an empty set.
func (a *Arena) AllocSet() *RefSet {
	atomic.AddInt64(&a.sets, 1)
	return &RefSet{
		refs: refSlices.Get().([]Ref)[:0],
		live: true,
	}
}

// ReleaseSet gives the set back. Owned buffers still referenced by the set
// stay with whoever owns them.
func (a *Arena) ReleaseSet(s *RefSet) {
	if s == nil {
		return
	}
	if !s.live {
		panic(ErrDoubleRelease)
	}
	s.live = false
	for i := range s.refs {
		s.refs[i] = nil
	}
	refSlices.Put(s.refs[:0])
	s.refs = nil
	atomic.AddInt64(&a.sets, -1)
}

// Append adds r to the end of the set.
func (s *RefSet) Append(r Ref) {
	s.check()
	if r == nil {
		panic(ErrInvalidRef)
	}
	s.refs = append(s.refs, r)
}

// Len returns the number of refs in the set.
func (s *RefSet) Len() int {
	s.check()
	return len(s.refs)
}

// At returns the i-th ref without consuming it.
func (s *RefSet) At(i int) Ref {
	s.check()
	return s.refs[i]
}

// Take removes the i-th ref from the set and hands it to the caller. Taking
// the same slot twice panics.
func (s *RefSet) Take(i int) Ref {
	s.check()
	r := s.refs[i]
	if r == nil {
		panic(ErrDoubleRelease)
	}
	s.refs[i] = nil
	return r
}

func (s *RefSet) check() {
	if !s.live {
		panic(ErrUseAfterRelease)
	}
}
