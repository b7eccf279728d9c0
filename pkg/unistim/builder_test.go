package unistim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayTextLayout(t *testing.T) {
	m := LayoutDisplayText.New()
	require.NoError(t, m.SetByte("line", 1))
	require.NoError(t, m.SetText("text", "Hello"))

	buf := m.Bytes()
	assert.Equal(t, LayoutDisplayText.Size, len(buf))
	assert.Equal(t, byte(0x17), buf[0])
	assert.Equal(t, byte(0x01), buf[1])
	assert.Equal(t, byte(1), buf[2])
	assert.Equal(t, "Hello"+string(make19(' ')), string(buf[3:]))
}

func make19(c byte) []byte {
	b := make([]byte, TextLengthMax-5)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestTextTruncation(t *testing.T) {
	m := LayoutDisplayText.New()
	long := "this line is much longer than the display width"
	require.NoError(t, m.SetText("text", long))
	assert.Equal(t, long[:TextLengthMax], string(m.Bytes()[3:]))
}

func TestUnknownFieldRejected(t *testing.T) {
	m := LayoutPing.New()
	assert.Error(t, m.SetByte("volume", 1))
}

func TestFieldKindMismatchRejected(t *testing.T) {
	m := LayoutDisplayText.New()
	assert.Error(t, m.SetUint16("line", 7))
	assert.Error(t, m.SetByte("text", 7))
}

func TestVolumeOffsets(t *testing.T) {
	m := LayoutVolume.New()
	require.NoError(t, m.SetByte("output", OutputSpeaker))
	require.NoError(t, m.SetByte("level", 7))
	buf := m.Bytes()
	assert.Equal(t, []byte{0x18, 0x05, OutputSpeaker, 7}, buf)
}

func TestAudioOpenCombinedLayout(t *testing.T) {
	m := LayoutAudioOpenCombined.New()
	require.NoError(t, m.SetByte("codec", 8))
	require.NoError(t, m.SetUint16("local-rtp-port", 5200))
	require.NoError(t, m.SetUint16("local-rtcp-port", 5201))
	require.NoError(t, m.SetUint16("remote-rtp-port", 30000))
	require.NoError(t, m.SetUint16("remote-rtcp-port", 30001))
	require.NoError(t, m.SetRaw("remote-ip", []byte{192, 168, 1, 10}))
	require.NoError(t, m.SetByte("frames", 2))

	buf := m.Bytes()
	assert.Equal(t, 17, len(buf))
	assert.Equal(t, byte(8), buf[2])
	assert.Equal(t, uint16(5200), uint16(buf[3])<<8|uint16(buf[4]))
	assert.Equal(t, []byte{192, 168, 1, 10}, buf[11:15])
	assert.Equal(t, byte(2), buf[15])
}

func TestAllLayoutsFitMaxPacket(t *testing.T) {
	layouts := []*Layout{
		LayoutPing, LayoutDateTime, LayoutDisplayText, LayoutStatusText,
		LayoutClearDisplay, LayoutSoftkeyLabel, LayoutSoftkeyIcon, LayoutLED,
		LayoutRing, LayoutRingOff, LayoutToneOn, LayoutToneOff, LayoutVolume,
		LayoutMuteMic, LayoutAudioOpenLegacy, LayoutAudioOpenCombined,
		LayoutAudioOpenRTP, LayoutAudioOpenRTCP, LayoutAudioClose,
	}
	for _, l := range layouts {
		assert.LessOrEqual(t, l.Size+HeaderSize, MaxPacketSize, l.Name)
		for _, f := range l.Fields {
			assert.LessOrEqual(t, f.Offset+f.Size, l.Size, "%s.%s", l.Name, f.Name)
		}
	}
}
