// Package channels contains the reliability strategies a connection can put in
// its channel slots.
package channels

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/geph-official/chanmux/libs/arena"
	"github.com/geph-official/chanmux/libs/chanrouter"
	"github.com/geph-official/chanmux/libs/wire"
	"github.com/pkg/errors"
)

// Kind names a strategy.
type Kind int

// The available strategies. None leaves a slot unassigned.
const (
	None Kind = iota - 1
	Unreliable
	UnreliableSequenced
	ReliableOrdered
)

var kindNames = map[Kind]string{
	None:                "none",
	Unreliable:          "unreliable",
	UnreliableSequenced: "sequenced",
	ReliableOrdered:     "reliable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown channel kind %q", s)
}

// ParseKinds parses a comma separated list of kinds.
func ParseKinds(s string) ([]Kind, error) {
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Channel is a chanrouter.Channel that can also be torn down.
type Channel interface {
	chanrouter.Channel
	Kind() Kind
	// Close releases everything the channel still holds.
	Close()
}

// Resender is implemented by channels that keep sent data around until it is
// acknowledged.
type Resender interface {
	// Resend passes every unacknowledged sub-message older than delay to
	// send and returns how many there were.
	Resend(delay time.Duration, send func([]byte)) int
}

// Config carries what a channel needs from its connection.
type Config struct {
	Arena *arena.Arena
	Clock clock.Clock
	// SendAck writes an ack sub-message. The slice is only valid during the
	// call.
	SendAck func(p []byte)
	// SendWindow caps unacknowledged sends on a reliable channel and
	// ReorderWindow how far ahead of the next expected sequence number an
	// arrival may be and still be kept. Zero means DefaultWindow.
	SendWindow    int
	ReorderWindow int
}

// DefaultWindow is the send and reorder window of reliable channels.
const DefaultWindow = 1024

// maxWindow keeps windows inside half the sequence space, where seqNewer
// is unambiguous.
const maxWindow = 1 << 15

// ErrWindowFull is returned when a reliable channel already has SendWindow
// sub-messages waiting for acks.
var ErrWindowFull = errors.New("channels: send window full")

// Windowed is implemented by channels that can refuse sends while too much
// is unacknowledged.
type Windowed interface {
	// Full reports whether the next send would be refused.
	Full() bool
}

// New creates a channel of the given kind with the given id.
func New(kind Kind, id byte, cfg Config) (Channel, error) {
	if cfg.Arena == nil {
		return nil, errors.New("channels: nil arena")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SendAck == nil {
		cfg.SendAck = func([]byte) {}
	}
	if cfg.SendWindow == 0 {
		cfg.SendWindow = DefaultWindow
	}
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = DefaultWindow
	}
	if cfg.SendWindow < 1 || cfg.SendWindow > maxWindow || cfg.ReorderWindow < 1 || cfg.ReorderWindow > maxWindow {
		return nil, errors.Errorf("channels: windows must be in [1, %v]", maxWindow)
	}
	switch kind {
	case Unreliable:
		return &unreliable{id: id, arena: cfg.Arena}, nil
	case UnreliableSequenced:
		return &sequenced{id: id, arena: cfg.Arena}, nil
	case ReliableOrdered:
		return newReliable(id, cfg), nil
	default:
		return nil, errors.Errorf("channels: unknown kind %v", int(kind))
	}
}

// header sizes: tag + channel id, plus a 2-byte sequence for sequenced kinds
const (
	baseHeader = 2
	seqHeader  = baseHeader + 2
)

func writeHeader(dst []byte, mt wire.MessageType, id byte) {
	dst[0] = wire.Pack(mt, false)
	dst[1] = id
}

// seqNewer reports whether a comes after b in wrapping 16-bit order.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

func single(a *arena.Arena, r arena.Ref) *arena.RefSet {
	set := a.AllocSet()
	set.Append(r)
	return set
}
