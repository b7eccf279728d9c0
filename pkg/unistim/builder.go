package unistim

import (
	"encoding/binary"
	"fmt"
)

const (
	// TextLengthMax is the display line width, in characters.
	TextLengthMax = 24
	// StatusLengthMax is the status line width, in characters.
	StatusLengthMax = 28
	// FavLabelMax is the softkey label width, in characters.
	FavLabelMax = 10
)

// FieldKind selects how a layout field is written.
type FieldKind int

const (
	FieldByte FieldKind = iota
	FieldUint16
	FieldText
	FieldRaw
)

// Field is one named slot of a payload layout, at a hardcoded offset.
type Field struct {
	Name   string
	Offset int
	Size   int
	Kind   FieldKind
}

// Layout describes one outbound opcode: its 2-byte command code, total fixed
// payload size and the named fields writable inside it. Each opcode's byte
// layout is defined once, here, and reused for encode and for tests.
type Layout struct {
	Name   string
	Code   [2]byte
	Size   int
	Fields []Field
}

// New allocates a zeroed message of this layout with the command code set.
func (l *Layout) New() *Message {
	buf := make([]byte, l.Size)
	buf[0] = l.Code[0]
	buf[1] = l.Code[1]
	return &Message{layout: l, buf: buf}
}

func (l *Layout) field(name string) (Field, error) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, nil
		}
	}
	return Field{}, fmt.Errorf("layout %s has no field %q", l.Name, name)
}

// Message is a payload under construction.
type Message struct {
	layout *Layout
	buf    []byte
}

func (m *Message) Layout() string { return m.layout.Name }

// SetByte writes a single-byte field.
func (m *Message) SetByte(name string, v byte) error {
	f, err := m.layout.field(name)
	if err != nil {
		return err
	}
	if f.Kind != FieldByte {
		return fmt.Errorf("field %s.%s is not a byte field", m.layout.Name, name)
	}
	m.buf[f.Offset] = v
	return nil
}

// SetUint16 writes a big-endian 16-bit field.
func (m *Message) SetUint16(name string, v uint16) error {
	f, err := m.layout.field(name)
	if err != nil {
		return err
	}
	if f.Kind != FieldUint16 {
		return fmt.Errorf("field %s.%s is not a uint16 field", m.layout.Name, name)
	}
	binary.BigEndian.PutUint16(m.buf[f.Offset:f.Offset+2], v)
	return nil
}

// SetText writes a fixed-width text field, space padded and truncated to the
// field width.
func (m *Message) SetText(name, s string) error {
	f, err := m.layout.field(name)
	if err != nil {
		return err
	}
	if f.Kind != FieldText {
		return fmt.Errorf("field %s.%s is not a text field", m.layout.Name, name)
	}
	if len(s) > f.Size {
		s = s[:f.Size]
	}
	copy(m.buf[f.Offset:], s)
	for i := f.Offset + len(s); i < f.Offset+f.Size; i++ {
		m.buf[i] = ' '
	}
	return nil
}

// SetRaw writes raw bytes into a raw field, truncated to the field width.
func (m *Message) SetRaw(name string, b []byte) error {
	f, err := m.layout.field(name)
	if err != nil {
		return err
	}
	if f.Kind != FieldRaw {
		return fmt.Errorf("field %s.%s is not a raw field", m.layout.Name, name)
	}
	if len(b) > f.Size {
		b = b[:f.Size]
	}
	copy(m.buf[f.Offset:], b)
	return nil
}

// Bytes returns a copy of the finished payload.
func (m *Message) Bytes() []byte {
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// Outbound layout catalog. Command group 0x17 drives the display, 0x16 the
// session plumbing, 0x18 audio, 0x19 LEDs and icons.
var (
	LayoutPing = &Layout{
		Name: "ping", Code: [2]byte{0x16, 0x04}, Size: 2,
	}

	LayoutDateTime = &Layout{
		Name: "date-time", Code: [2]byte{0x16, 0x08}, Size: 7,
		Fields: []Field{
			{Name: "day", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "month", Offset: 3, Size: 1, Kind: FieldByte},
			{Name: "hour", Offset: 4, Size: 1, Kind: FieldByte},
			{Name: "minute", Offset: 5, Size: 1, Kind: FieldByte},
			{Name: "format", Offset: 6, Size: 1, Kind: FieldByte},
		},
	}

	LayoutDisplayText = &Layout{
		Name: "display-text", Code: [2]byte{0x17, 0x01}, Size: 3 + TextLengthMax,
		Fields: []Field{
			{Name: "line", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "text", Offset: 3, Size: TextLengthMax, Kind: FieldText},
		},
	}

	LayoutStatusText = &Layout{
		Name: "status-text", Code: [2]byte{0x17, 0x02}, Size: 2 + StatusLengthMax,
		Fields: []Field{
			{Name: "text", Offset: 2, Size: StatusLengthMax, Kind: FieldText},
		},
	}

	LayoutClearDisplay = &Layout{
		Name: "clear-display", Code: [2]byte{0x17, 0x03}, Size: 3,
		Fields: []Field{
			{Name: "line", Offset: 2, Size: 1, Kind: FieldByte},
		},
	}

	LayoutSoftkeyLabel = &Layout{
		Name: "softkey-label", Code: [2]byte{0x17, 0x08}, Size: 3 + FavLabelMax,
		Fields: []Field{
			{Name: "slot", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "label", Offset: 3, Size: FavLabelMax, Kind: FieldText},
		},
	}

	LayoutSoftkeyIcon = &Layout{
		Name: "softkey-icon", Code: [2]byte{0x19, 0x04}, Size: 4,
		Fields: []Field{
			{Name: "slot", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "icon", Offset: 3, Size: 1, Kind: FieldByte},
		},
	}

	LayoutLED = &Layout{
		Name: "led-update", Code: [2]byte{0x19, 0x02}, Size: 4,
		Fields: []Field{
			{Name: "led", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "state", Offset: 3, Size: 1, Kind: FieldByte},
		},
	}

	LayoutRing = &Layout{
		Name: "ring", Code: [2]byte{0x18, 0x01}, Size: 4,
		Fields: []Field{
			{Name: "style", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "volume", Offset: 3, Size: 1, Kind: FieldByte},
		},
	}

	LayoutRingOff = &Layout{
		Name: "ring-off", Code: [2]byte{0x18, 0x02}, Size: 2,
	}

	LayoutToneOn = &Layout{
		Name: "tone-on", Code: [2]byte{0x18, 0x03}, Size: 5,
		Fields: []Field{
			{Name: "tone", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "freq", Offset: 3, Size: 2, Kind: FieldUint16},
		},
	}

	LayoutToneOff = &Layout{
		Name: "tone-off", Code: [2]byte{0x18, 0x04}, Size: 2,
	}

	LayoutVolume = &Layout{
		Name: "volume", Code: [2]byte{0x18, 0x05}, Size: 4,
		Fields: []Field{
			{Name: "output", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "level", Offset: 3, Size: 1, Kind: FieldByte},
		},
	}

	LayoutMuteMic = &Layout{
		Name: "mute-mic", Code: [2]byte{0x18, 0x06}, Size: 3,
		Fields: []Field{
			{Name: "mute", Offset: 2, Size: 1, Kind: FieldByte},
		},
	}

	// Legacy audio open: RTP only, the phone derives RTCP itself.
	LayoutAudioOpenLegacy = &Layout{
		Name: "audio-open-legacy", Code: [2]byte{0x18, 0x10}, Size: 13,
		Fields: []Field{
			{Name: "codec", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "local-port", Offset: 3, Size: 2, Kind: FieldUint16},
			{Name: "remote-port", Offset: 5, Size: 2, Kind: FieldUint16},
			{Name: "remote-ip", Offset: 7, Size: 4, Kind: FieldRaw},
			{Name: "frames", Offset: 11, Size: 1, Kind: FieldByte},
		},
	}

	// Combined audio open: RTP and RTCP ports pushed in one message.
	LayoutAudioOpenCombined = &Layout{
		Name: "audio-open-combined", Code: [2]byte{0x18, 0x11}, Size: 17,
		Fields: []Field{
			{Name: "codec", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "local-rtp-port", Offset: 3, Size: 2, Kind: FieldUint16},
			{Name: "local-rtcp-port", Offset: 5, Size: 2, Kind: FieldUint16},
			{Name: "remote-rtp-port", Offset: 7, Size: 2, Kind: FieldUint16},
			{Name: "remote-rtcp-port", Offset: 9, Size: 2, Kind: FieldUint16},
			{Name: "remote-ip", Offset: 11, Size: 4, Kind: FieldRaw},
			{Name: "frames", Offset: 15, Size: 1, Kind: FieldByte},
		},
	}

	// Split audio open: RTCP follows in a separate audio-open-rtcp message.
	LayoutAudioOpenRTP = &Layout{
		Name: "audio-open-rtp", Code: [2]byte{0x18, 0x12}, Size: 13,
		Fields: []Field{
			{Name: "codec", Offset: 2, Size: 1, Kind: FieldByte},
			{Name: "local-port", Offset: 3, Size: 2, Kind: FieldUint16},
			{Name: "remote-port", Offset: 5, Size: 2, Kind: FieldUint16},
			{Name: "remote-ip", Offset: 7, Size: 4, Kind: FieldRaw},
			{Name: "frames", Offset: 11, Size: 1, Kind: FieldByte},
		},
	}

	LayoutAudioOpenRTCP = &Layout{
		Name: "audio-open-rtcp", Code: [2]byte{0x18, 0x13}, Size: 11,
		Fields: []Field{
			{Name: "local-port", Offset: 2, Size: 2, Kind: FieldUint16},
			{Name: "remote-port", Offset: 4, Size: 2, Kind: FieldUint16},
			{Name: "remote-ip", Offset: 6, Size: 4, Kind: FieldRaw},
		},
	}

	LayoutAudioClose = &Layout{
		Name: "audio-close", Code: [2]byte{0x18, 0x1f}, Size: 2,
	}
)

// LED ids and states.
const (
	LEDMessage byte = 0x00
	LEDHeadset byte = 0x01
	LEDSpeaker byte = 0x02
	LEDMute    byte = 0x03

	LEDOff       byte = 0x00
	LEDOn        byte = 0x01
	LEDBlinkFast byte = 0x02
	LEDBlinkSlow byte = 0x03
)

// Softkey icons.
const (
	IconNone     byte = 0x00
	IconOnHook   byte = 0x20
	IconOffHook  byte = 0x21
	IconSpeaker  byte = 0x22
	IconRingWave byte = 0x23
	IconBookmark byte = 0x24
	IconHold     byte = 0x25
)

// Tones.
const (
	ToneDial    byte = 0x00
	ToneBusy    byte = 0x01
	ToneCongest byte = 0x02
	ToneDTMF    byte = 0x03
)

// Outputs for the volume message.
const (
	OutputHandset byte = 0x00
	OutputHeadset byte = 0x01
	OutputSpeaker byte = 0x02
	OutputRinger  byte = 0x03
)
