package merger

import (
	"encoding/binary"

	"github.com/geph-official/chanmux/libs/wire"
)

// Unpack splits the body of a merge container (everything after the Merge tag)
// into sub-message views, reusing dst. Each view starts at the sub-message's
// tag byte. Parsing stops quietly at a zero or overlong length, and nested
// merge containers are dropped.
func Unpack(payload []byte, dst [][]byte) [][]byte {
	dst = dst[:0]
	if len(payload) < wire.LengthPrefixSize+1 {
		return dst
	}
	off := 0
	for len(payload) >= off+wire.LengthPrefixSize {
		size := int(binary.LittleEndian.Uint16(payload[off:]))
		if size < 1 {
			return dst
		}
		start := off + wire.LengthPrefixSize
		if len(payload) < start+size {
			return dst
		}
		if !wire.IsMerge(payload[start]) {
			dst = append(dst, payload[start:start+size:start+size])
		}
		off = start + size
	}
	return dst
}

// UnpackDatagram is Unpack for a whole datagram. Anything that is not a merge
// container yields no views.
func UnpackDatagram(datagram []byte, dst [][]byte) [][]byte {
	if len(datagram) == 0 || !wire.IsMerge(datagram[0]) {
		return dst[:0]
	}
	return Unpack(datagram[1:], dst)
}

// Frame appends payload to dst as one length-prefixed sub-message.
func Frame(dst, payload []byte) []byte {
	var lenbuf [wire.LengthPrefixSize]byte
	binary.LittleEndian.PutUint16(lenbuf[:], uint16(len(payload)))
	dst = append(dst, lenbuf[:]...)
	return append(dst, payload...)
}
