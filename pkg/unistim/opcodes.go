package unistim

import (
	"bytes"
	"errors"
	"fmt"
	"net"
)

// Opcode identifies one of the fixed catalog of inbound payloads.
type Opcode int

const (
	OpNone Opcode = iota
	OpDiscovery
	OpFirmwareVersion
	OpEquipmentType
	OpKeyPress
	OpPickup
	OpHangup
	OpMACAddress
	OpResumeConnection
)

func (op Opcode) String() string {
	switch op {
	case OpDiscovery:
		return "discovery"
	case OpFirmwareVersion:
		return "firmware-version"
	case OpEquipmentType:
		return "equipment-type"
	case OpKeyPress:
		return "key-press"
	case OpPickup:
		return "pick-up"
	case OpHangup:
		return "hang-up"
	case OpMACAddress:
		return "mac-address"
	case OpResumeConnection:
		return "resume-connection"
	}
	return "none"
}

var ErrUnknownOpcode = errors.New("unknown opcode")

// recvTemplate describes one inbound payload: a byte prefix that must match
// exactly and the total fixed payload length.
type recvTemplate struct {
	op     Opcode
	prefix []byte
	length int
}

// Inbound payload catalog. Payloads start after the 6-byte header: byte 0 is
// the command group, byte 1 the command, the rest fixed-position arguments.
var recvTemplates = []recvTemplate{
	{OpResumeConnection, []byte{0x96, 0x02}, 2},
	{OpFirmwareVersion, []byte{0x96, 0x05}, 10},
	{OpEquipmentType, []byte{0x96, 0x07}, 3},
	{OpMACAddress, []byte{0x96, 0x0a}, 8},
	{OpPickup, []byte{0x99, 0x01}, 2},
	{OpHangup, []byte{0x99, 0x02}, 2},
	{OpKeyPress, []byte{0x99, 0x04}, 3},
}

// DiscoveryPayload is the literal body a booting phone broadcasts, and
// DiscoveryAckPayload the literal body acknowledging it.
var (
	DiscoveryPayload    = []byte{0x16, 0x00, 0x05, 0x04, 0x00, 0x01}
	DiscoveryAckPayload = []byte{0x16, 0x01, 0x00, 0x01}
)

// Identify matches payload against the inbound catalog.
func Identify(payload []byte) (Opcode, error) {
	for _, t := range recvTemplates {
		if len(payload) != t.length {
			continue
		}
		if bytes.Equal(payload[:len(t.prefix)], t.prefix) {
			return t.op, nil
		}
	}
	return OpNone, fmt.Errorf("%w: % x", ErrUnknownOpcode, payload)
}

// IsDiscovery reports whether a discovery-marked payload carries the known
// discovery body. Unknown discovery contents are ignored by the caller.
func IsDiscovery(payload []byte) bool {
	return bytes.Equal(payload, DiscoveryPayload)
}

// KeyOf extracts the key code from a key-press payload.
func KeyOf(payload []byte) Key {
	return Key(payload[2])
}

// MACOf extracts the hardware address from a mac-address payload.
func MACOf(payload []byte) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	copy(mac, payload[2:8])
	return mac
}

// FirmwareOf extracts the version string from a firmware-version payload.
func FirmwareOf(payload []byte) string {
	return string(bytes.TrimRight(payload[2:10], "\x00 "))
}

// EquipmentOf extracts the terminal hardware type from an equipment payload.
func EquipmentOf(payload []byte) byte {
	return payload[2]
}

// EquipmentOneLine tags terminal models with a single-line display.
const EquipmentOneLine byte = 0x02

// Key is a phone key code as reported in a key-press payload.
type Key byte

const (
	Key0 Key = 0x40 + iota
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyStar
	KeyHash
	KeyUp
	KeyDown
	KeyRight
	KeyLeft
	KeyQuit
	KeyCopy
)

const (
	KeyFunc1 Key = 0x54 + iota
	KeyFunc2
	KeyFunc3
	KeyFunc4
)

const (
	KeyHold Key = 0x5b + iota
	KeyHangup
	KeyMute
	KeyHeadset
	KeySpeaker
)

const (
	KeyFav0 Key = 0x60 + iota
	KeyFav1
	KeyFav2
	KeyFav3
	KeyFav4
	KeyFav5
)

// IsDigit reports whether k is one of the dial-pad digit keys.
func (k Key) IsDigit() bool {
	return k >= Key0 && k <= Key9
}

// Digit returns the ASCII digit for a dial-pad key, or 0.
func (k Key) Digit() byte {
	if k.IsDigit() {
		return byte(k-Key0) + '0'
	}
	switch k {
	case KeyStar:
		return '*'
	case KeyHash:
		return '#'
	}
	return 0
}

// IsFavorite reports whether k is one of the 6 programmable softkeys.
func (k Key) IsFavorite() bool {
	return k >= KeyFav0 && k <= KeyFav5
}

// FavoriteIndex returns the softkey slot index for a favorite key.
func (k Key) FavoriteIndex() int {
	return int(k - KeyFav0)
}
