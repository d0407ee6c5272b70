package chanrouter

import (
	"time"

	"github.com/geph-official/chanmux/libs/arena"
)

// Channel is one reliability strategy bound to a channel id. Implementations
// need not be safe for concurrent use; the connection serializes calls per
// channel.
type Channel interface {
	// HandleAck consumes a channel-specific ack.
	HandleAck(payload []byte)
	// HandleIncoming decodes one message and returns whatever became
	// deliverable, or nil. Borrowed refs in the set are only valid until
	// the call returns to the router.
	HandleIncoming(payload []byte) *arena.RefSet
	// CreateOutgoing frames payload into one or more sub-messages. When
	// release is true the router releases every Owned buffer after sending;
	// otherwise the channel keeps them for retransmission.
	CreateOutgoing(payload []byte) (set *arena.RefSet, release bool)
}

// Connection is what the router needs from a connection.
type Connection interface {
	// Channels returns the channel slots. A slot may be nil.
	Channels() []Channel
	// Send writes one sub-message. noMerge asks the send path to skip the
	// merger.
	Send(p []byte, noMerge bool) error
	// Publish hands an event to the user. It takes ownership of ev.Buf.
	Publish(ev Event)
}

// Event is received application data.
type Event struct {
	Conn       Connection
	ChannelID  byte
	ReceivedAt time.Time
	Buf        *arena.Buffer
	Arena      *arena.Arena
	// AllowUserRecycle is set when the consumer is expected to call Recycle.
	AllowUserRecycle bool
}

// Data returns the payload.
func (ev Event) Data() []byte {
	return ev.Buf.Bytes()
}

// Recycle releases the backing buffer. The event must not be used afterwards.
func (ev Event) Recycle() {
	ev.Arena.Release(ev.Buf)
}
