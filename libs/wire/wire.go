// Package wire defines the packed tag byte that starts every sub-message and
// the message types it carries.
package wire

import "fmt"

// MessageType is the packet type stored in the low 7 bits of a tag byte.
type MessageType byte

// Message types.
const (
	ConnectionRequest MessageType = iota
	ChallengeRequest
	ChallengeResponse
	Hail
	HailConfirmed
	Heartbeat
	Data
	Disconnect
	Ack
	Merge
	UnconnectedData
	MTURequest
	MTUResponse
)

var typeNames = [...]string{
	"ConnectionRequest",
	"ChallengeRequest",
	"ChallengeResponse",
	"Hail",
	"HailConfirmed",
	"Heartbeat",
	"Data",
	"Disconnect",
	"Ack",
	"Merge",
	"UnconnectedData",
	"MTURequest",
	"MTUResponse",
}

func (mt MessageType) String() string {
	if int(mt) < len(typeNames) {
		return typeNames[mt]
	}
	return fmt.Sprintf("MessageType(%d)", byte(mt))
}

const (
	typeMask     = 0x7f
	fragmentFlag = 0x80
)

// LengthPrefixSize is the size of the little-endian length in front of every
// merged sub-message.
const LengthPrefixSize = 2

// MaxSubMessage is the largest sub-message the length prefix can describe.
const MaxSubMessage = 1<<16 - 1

// Pack builds a tag byte.
func Pack(mt MessageType, fragmented bool) byte {
	tag := byte(mt) & typeMask
	if fragmented {
		tag |= fragmentFlag
	}
	return tag
}

// Unpack splits a tag byte into type and fragment flag.
func Unpack(tag byte) (mt MessageType, fragmented bool) {
	return MessageType(tag & typeMask), tag&fragmentFlag != 0
}

// IsMerge reports whether tag marks a merge container.
func IsMerge(tag byte) bool {
	mt, _ := Unpack(tag)
	return mt == Merge
}
