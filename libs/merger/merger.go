// Package merger packs many small sub-messages into a single datagram and
// takes such datagrams apart again on the receiving side.
package merger

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrExceedsMaxCapacity is returned by ExpandTo when asked to grow past the
	// size fixed at construction.
	ErrExceedsMaxCapacity = errors.New("merger: size is larger than max size")
	// ErrShrink is returned by ExpandTo when asked to shrink.
	ErrShrink = errors.New("merger: cannot shrink merger")
)

// Merger accumulates length-prefixed sub-messages behind a Merge tag byte.
// All methods are safe for concurrent use.
type Merger struct {
	lock sync.Mutex

	buf         []byte
	pos         int
	packets     int
	headerBytes int
	lastFlush   time.Time

	flushDelay time.Duration
	size       int
	maxSize    int

	arena *arena.Arena
	clock clock.Clock
	log   logrus.FieldLogger
}

// Option configures a Merger.
type Option func(*Merger)

// WithArena sets the arena flushed datagrams are allocated from.
func WithArena(a *arena.Arena) Option {
	return func(m *Merger) { m.arena = a }
}

// WithClock sets the clock used for flush timing.
func WithClock(c clock.Clock) Option {
	return func(m *Merger) { m.clock = c }
}

// WithLogger sets the diagnostics sink.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Merger) { m.log = l }
}

// New creates a Merger whose buffer holds maxSize bytes, of which startSize
// may be used until ExpandTo raises the limit.
func New(maxSize, startSize int, flushDelay time.Duration, opts ...Option) (*Merger, error) {
	if startSize < 1+wire.LengthPrefixSize+1 {
		return nil, errors.Errorf("merger: start size %v too small", startSize)
	}
	if startSize > maxSize {
		return nil, errors.Wrapf(ErrExceedsMaxCapacity, "start size %v, max size %v", startSize, maxSize)
	}
	m := &Merger{
		buf:        make([]byte, maxSize),
		flushDelay: flushDelay,
		size:       startSize,
		maxSize:    maxSize,
	}
	for _, o := range opts {
		o(m)
	}
	if m.arena == nil {
		m.arena = arena.New()
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	m.buf[0] = wire.Pack(wire.Merge, false)
	m.reset()
	return m, nil
}

func (m *Merger) reset() {
	m.pos = 1
	m.packets = 0
	m.headerBytes = 1
	m.lastFlush = m.clock.Now()
}

// TryWrite appends payload as one sub-message. headerBytes is the part of
// payload that is protocol header, kept for diagnostics. It returns false
// without touching the buffer if payload does not fit.
func (m *Merger) TryWrite(payload []byte, headerBytes int) bool {
	if len(payload) > wire.MaxSubMessage {
		return false
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(payload)+m.pos+wire.LengthPrefixSize > m.size {
		return false
	}
	binary.LittleEndian.PutUint16(m.buf[m.pos:], uint16(len(payload)))
	copy(m.buf[m.pos+wire.LengthPrefixSize:], payload)
	m.pos += wire.LengthPrefixSize + len(payload)
	m.headerBytes += headerBytes
	m.packets++
	return true
}

// TryFlush returns the accumulated datagram if there is one and the flush
// delay has passed since the last flush. The caller owns the returned buffer.
// headerBytes is what was accumulated for the datagram.
func (m *Merger) TryFlush() (datagram *arena.Buffer, headerBytes int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pos <= 1 || m.clock.Since(m.lastFlush) <= m.flushDelay {
		return nil, 0
	}
	datagram = m.arena.Copy(m.buf[:m.pos])
	headerBytes = m.headerBytes
	m.reset()
	return
}

// ExpandTo raises the usable size. It never shrinks.
func (m *Merger) ExpandTo(size int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if size == m.size {
		return nil
	}
	if size > m.maxSize || size < m.size {
		err := ErrExceedsMaxCapacity
		if size < m.size {
			err = ErrShrink
		}
		m.log.WithFields(logrus.Fields{"size": m.size, "max": m.maxSize, "requested": size}).
			WithError(err).Debug("merger expansion refused")
		return errors.Wrapf(err, "requested %v, size %v, max %v", size, m.size, m.maxSize)
	}
	m.log.WithFields(logrus.Fields{"from": m.size, "to": size}).Debug("merger expanded")
	m.size = size
	return nil
}

// Clear discards anything not yet flushed.
func (m *Merger) Clear() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.reset()
}

// Stats is a snapshot of a Merger's state.
type Stats struct {
	Position    int
	Packets     int
	HeaderBytes int
	Size        int
	MaxSize     int
}

// Stats returns a consistent snapshot.
func (m *Merger) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return Stats{
		Position:    m.pos,
		Packets:     m.packets,
		HeaderBytes: m.headerBytes,
		Size:        m.size,
		MaxSize:     m.maxSize,
	}
}
