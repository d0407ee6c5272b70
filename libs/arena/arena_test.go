package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRelease(t *testing.T) {
	a := New()
	b := a.Alloc(100)
	assert.Equal(t, 100, b.Len())
	assert.Equal(t, 0, b.Offset())
	assert.True(t, b.Cap() >= 100)
	bufs, sets := a.Outstanding()
	assert.Equal(t, 1, bufs)
	assert.Equal(t, 0, sets)
	a.Release(b)
	bufs, _ = a.Outstanding()
	assert.Equal(t, 0, bufs)
}

func TestDoubleReleasePanics(t *testing.T) {
	a := New()
	b := a.Alloc(10)
	a.Release(b)
	assert.PanicsWithValue(t, ErrDoubleRelease, func() { a.Release(b) })
	assert.PanicsWithValue(t, ErrUseAfterRelease, func() { b.Bytes() })
}

func TestWindow(t *testing.T) {
	a := New()
	b := a.Copy([]byte("hello world"))
	defer a.Release(b)
	b.SetWindow(6, 5)
	assert.Equal(t, []byte("world"), b.Bytes())
	assert.Panics(t, func() { b.SetWindow(6, 100) })
	assert.Panics(t, func() { b.SetWindow(-1, 1) })
}

func TestTakeBorrowedCopies(t *testing.T) {
	a := New()
	src := []byte{1, 2, 3}
	b := a.Take(Borrowed{Data: src})
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
	a.Release(b)
	bufs, _ := a.Outstanding()
	assert.Equal(t, 0, bufs)
}

func TestTakeOwnedMoves(t *testing.T) {
	a := New()
	orig := a.Copy([]byte{4, 5})
	got := a.Take(Owned{Buf: orig})
	assert.True(t, orig == got)
	a.Release(got)
	assert.Panics(t, func() { a.Take(Owned{Buf: orig}) })
	assert.PanicsWithValue(t, ErrInvalidRef, func() { a.Take(nil) })
	assert.PanicsWithValue(t, ErrInvalidRef, func() { a.Take(Owned{}) })
}

func TestRefSet(t *testing.T) {
	a := New()
	s := a.AllocSet()
	owned := a.Copy([]byte("own"))
	s.Append(Owned{Buf: owned})
	s.Append(Borrowed{Data: []byte("borrow")})
	require.Equal(t, 2, s.Len())
	assert.Equal(t, []byte("own"), Bytes(s.At(0)))
	assert.Equal(t, []byte("borrow"), Bytes(s.At(1)))

	for i := 0; i < s.Len(); i++ {
		a.Release(a.Take(s.Take(i)))
	}
	assert.PanicsWithValue(t, ErrDoubleRelease, func() { s.Take(0) })
	a.ReleaseSet(s)
	assert.PanicsWithValue(t, ErrDoubleRelease, func() { a.ReleaseSet(s) })
	assert.PanicsWithValue(t, ErrUseAfterRelease, func() { s.Len() })

	bufs, sets := a.Outstanding()
	assert.Equal(t, 0, bufs)
	assert.Equal(t, 0, sets)
}

func TestReleaseSetLeavesBuffers(t *testing.T) {
	a := New()
	s := a.AllocSet()
	b := a.Alloc(8)
	s.Append(Owned{Buf: b})
	a.ReleaseSet(s)
	bufs, sets := a.Outstanding()
	assert.Equal(t, 1, bufs)
	assert.Equal(t, 0, sets)
	a.Release(b)
}

func BenchmarkAllocRelease(b *testing.B) {
	a := New()
	for i := 0; i < b.N; i++ {
		a.Release(a.Alloc(1400))
	}
}
