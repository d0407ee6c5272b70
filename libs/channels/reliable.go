package channels

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/wire"
)

type inflight struct {
	buf    *arena.Buffer
	sentAt time.Time
}

// reliable delivers every message exactly once and in order. Sent buffers stay
// in pending until acked; early arrivals wait in early as owned copies.
type reliable struct {
	id      byte
	arena   *arena.Arena
	clock   clock.Clock
	sendAck func([]byte)

	sendSeq    uint16
	sendWindow int
	pending    map[uint16]*inflight

	recvSeq       uint16
	reorderWindow uint16
	early         map[uint16]*arena.Buffer
	outOfWindow   uint64

	ackbuf [seqHeader]byte
}

func newReliable(id byte, cfg Config) *reliable {
	return &reliable{
		id:      id,
		arena:   cfg.Arena,
		clock:   cfg.Clock,
		sendAck: cfg.SendAck,
		pending: make(map[uint16]*inflight),
		early:   make(map[uint16]*arena.Buffer),

		sendWindow:    cfg.SendWindow,
		reorderWindow: uint16(cfg.ReorderWindow),
	}
}

func (c *reliable) Kind() Kind { return ReliableOrdered }

func (c *reliable) HandleAck(payload []byte) {
	if len(payload) < 2 {
		return
	}
	seq := binary.LittleEndian.Uint16(payload)
	if inf, ok := c.pending[seq]; ok {
		c.arena.Release(inf.buf)
		delete(c.pending, seq)
	}
}

func (c *reliable) ack(seq uint16) {
	writeHeader(c.ackbuf[:], wire.Ack, c.id)
	binary.LittleEndian.PutUint16(c.ackbuf[baseHeader:], seq)
	c.sendAck(c.ackbuf[:])
}

func (c *reliable) HandleIncoming(payload []byte) *arena.RefSet {
	if len(payload) < 2 {
		return nil
	}
	seq := binary.LittleEndian.Uint16(payload)
	if seqNewer(seq, c.recvSeq) && seq-c.recvSeq >= c.reorderWindow {
		// not acked, so the sender tries again once the window moves
		c.outOfWindow++
		return nil
	}
	// acks are lost too, so duplicates get acked again
	c.ack(seq)
	switch {
	case seq == c.recvSeq:
		set := single(c.arena, arena.Borrowed{Data: payload[2:]})
		c.recvSeq++
		for {
			buf, ok := c.early[c.recvSeq]
			if !ok {
				break
			}
			set.Append(arena.Owned{Buf: buf})
			delete(c.early, c.recvSeq)
			c.recvSeq++
		}
		return set
	case seqNewer(seq, c.recvSeq):
		if _, ok := c.early[seq]; !ok {
			c.early[seq] = c.arena.Copy(payload[2:])
		}
	}
	return nil
}

// Full reports whether CreateOutgoing would refuse to send.
func (c *reliable) Full() bool {
	if len(c.pending) >= c.sendWindow {
		return true
	}
	_, taken := c.pending[c.sendSeq]
	return taken
}

// OutOfWindow counts arrivals dropped for being too far ahead.
func (c *reliable) OutOfWindow() uint64 {
	return c.outOfWindow
}

// CreateOutgoing returns nothing while the channel is Full; callers that
// want an error check Full first.
func (c *reliable) CreateOutgoing(payload []byte) (*arena.RefSet, bool) {
	if c.Full() {
		return nil, false
	}
	buf := c.arena.Alloc(seqHeader + len(payload))
	b := buf.Bytes()
	writeHeader(b, wire.Data, c.id)
	binary.LittleEndian.PutUint16(b[baseHeader:], c.sendSeq)
	copy(b[seqHeader:], payload)
	c.pending[c.sendSeq] = &inflight{buf: buf, sentAt: c.clock.Now()}
	c.sendSeq++
	return single(c.arena, arena.Owned{Buf: buf}), false
}

func (c *reliable) Resend(delay time.Duration, send func([]byte)) int {
	now := c.clock.Now()
	var due []uint16
	for seq, inf := range c.pending {
		if now.Sub(inf.sentAt) > delay {
			due = append(due, seq)
		}
	}
	// oldest first, counting back from the next sequence number
	sort.Slice(due, func(i, j int) bool {
		return c.sendSeq-due[i] > c.sendSeq-due[j]
	})
	for _, seq := range due {
		inf := c.pending[seq]
		send(inf.buf.Bytes())
		inf.sentAt = now
	}
	return len(due)
}

func (c *reliable) Close() {
	for seq, inf := range c.pending {
		c.arena.Release(inf.buf)
		delete(c.pending, seq)
	}
	for seq, buf := range c.early {
		c.arena.Release(buf)
		delete(c.early, seq)
	}
}
