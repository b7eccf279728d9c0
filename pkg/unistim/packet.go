// Package unistim encodes and decodes the binary datagrams spoken by
// UNISTIM terminals. Every message is a fixed 6-byte header followed by a
// fixed-layout payload; inbound payloads are recognized by exact byte-prefix
// match, outbound payloads are produced from declarative layouts.
package unistim

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed on-wire header length.
	HeaderSize = 6
	// MaxPacketSize caps any datagram we build or accept.
	MaxPacketSize = 1024

	markerDiscovery uint16 = 0xffff
	markerSession   uint16 = 0x0000
)

// PacketClass is the header type/class byte.
type PacketClass byte

const (
	ClassRetransmitReq PacketClass = 0x00
	ClassAck           PacketClass = 0x01
	ClassData          PacketClass = 0x02
)

// Direction is the header direction byte.
type Direction byte

const (
	DirToPhone   Direction = 0x01
	DirFromPhone Direction = 0x02
)

var (
	ErrShortPacket  = errors.New("packet shorter than header")
	ErrTooLarge     = errors.New("packet exceeds maximum size")
	ErrBadClass     = errors.New("unknown packet class")
	ErrBadDirection = errors.New("unknown packet direction")
)

// Header is the decoded 6-byte packet header.
type Header struct {
	Discovery bool
	Seq       uint16
	Class     PacketClass
	Dir       Direction
}

// ParseHeader decodes the header of buf. The remainder of buf is the payload.
func ParseHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(buf))
	}
	if len(buf) > MaxPacketSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf))
	}
	h := Header{
		Seq:   binary.BigEndian.Uint16(buf[2:4]),
		Class: PacketClass(buf[4]),
		Dir:   Direction(buf[5]),
	}
	switch binary.BigEndian.Uint16(buf[0:2]) {
	case markerDiscovery:
		h.Discovery = true
	case markerSession:
	default:
		return Header{}, nil, fmt.Errorf("unknown packet marker %#04x", binary.BigEndian.Uint16(buf[0:2]))
	}
	switch h.Class {
	case ClassRetransmitReq, ClassAck, ClassData:
	default:
		return Header{}, nil, fmt.Errorf("%w: %#02x", ErrBadClass, byte(h.Class))
	}
	switch h.Dir {
	case DirToPhone, DirFromPhone:
	default:
		return Header{}, nil, fmt.Errorf("%w: %#02x", ErrBadDirection, byte(h.Dir))
	}
	return h, buf[HeaderSize:], nil
}

// Encode produces the on-wire datagram for h followed by payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	if HeaderSize+len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	marker := markerSession
	if h.Discovery {
		marker = markerDiscovery
	}
	binary.BigEndian.PutUint16(buf[0:2], marker)
	binary.BigEndian.PutUint16(buf[2:4], h.Seq)
	buf[4] = byte(h.Class)
	buf[5] = byte(h.Dir)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeAck builds the bare acknowledgement datagram for seq.
func EncodeAck(seq uint16, dir Direction) []byte {
	buf, _ := Encode(Header{Seq: seq, Class: ClassAck, Dir: dir}, nil)
	return buf
}
