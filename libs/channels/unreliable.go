package channels

import (
	"encoding/binary"

	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/wire"
)

type unreliable struct {
	id    byte
	arena *arena.Arena
}

func (c *unreliable) Kind() Kind { return Unreliable }

func (c *unreliable) HandleAck([]byte) {}

func (c *unreliable) HandleIncoming(payload []byte) *arena.RefSet {
	return single(c.arena, arena.Borrowed{Data: payload})
}

func (c *unreliable) CreateOutgoing(payload []byte) (*arena.RefSet, bool) {
	buf := c.arena.Alloc(baseHeader + len(payload))
	b := buf.Bytes()
	writeHeader(b, wire.Data, c.id)
	copy(b[baseHeader:], payload)
	return single(c.arena, arena.Owned{Buf: buf}), true
}

func (c *unreliable) Close() {}

// sequenced drops anything older than the newest message seen so far.
type sequenced struct {
	id      byte
	arena   *arena.Arena
	sendSeq uint16
	lastSeq uint16
	seen    bool
}

func (c *sequenced) Kind() Kind { return UnreliableSequenced }

func (c *sequenced) HandleAck([]byte) {}

func (c *sequenced) HandleIncoming(payload []byte) *arena.RefSet {
	if len(payload) < 2 {
		return nil
	}
	seq := binary.LittleEndian.Uint16(payload)
	if c.seen && !seqNewer(seq, c.lastSeq) {
		return nil
	}
	c.seen = true
	c.lastSeq = seq
	return single(c.arena, arena.Borrowed{Data: payload[2:]})
}

func (c *sequenced) CreateOutgoing(payload []byte) (*arena.RefSet, bool) {
	buf := c.arena.Alloc(seqHeader + len(payload))
	b := buf.Bytes()
	writeHeader(b, wire.Data, c.id)
	binary.LittleEndian.PutUint16(b[baseHeader:], c.sendSeq)
	c.sendSeq++
	copy(b[seqHeader:], payload)
	return single(c.arena, arena.Owned{Buf: buf}), true
}

func (c *sequenced) Close() {}
