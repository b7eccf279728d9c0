package unistim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Seq: 0x1234, Class: ClassData, Dir: DirToPhone}
	buf, err := Encode(h, []byte{0x17, 0x01, 0x00})
	require.NoError(t, err)

	got, payload, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte{0x17, 0x01, 0x00}, payload)
}

func TestParseHeaderShortPacket(t *testing.T) {
	_, _, err := ParseHeader([]byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestParseHeaderDiscoveryMarker(t *testing.T) {
	buf, err := Encode(Header{Discovery: true, Class: ClassData, Dir: DirFromPhone}, DiscoveryPayload)
	require.NoError(t, err)

	h, payload, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.True(t, h.Discovery)
	assert.Equal(t, uint16(0), h.Seq)
	assert.True(t, IsDiscovery(payload))
}

func TestParseHeaderRejectsBadClass(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x01, 0x7f, 0x01}
	_, _, err := ParseHeader(buf)
	assert.ErrorIs(t, err, ErrBadClass)
}

func TestEncodeBoundsCheck(t *testing.T) {
	_, err := Encode(Header{Class: ClassData, Dir: DirToPhone}, make([]byte, MaxPacketSize))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		payload []byte
		op      Opcode
	}{
		{[]byte{0x96, 0x02}, OpResumeConnection},
		{[]byte{0x96, 0x05, '2', '.', '9', 0, 0, 0, 0, 0}, OpFirmwareVersion},
		{[]byte{0x96, 0x07, 0x03}, OpEquipmentType},
		{[]byte{0x96, 0x0a, 0x00, 0x1e, 0xca, 0x01, 0x02, 0x03}, OpMACAddress},
		{[]byte{0x99, 0x01}, OpPickup},
		{[]byte{0x99, 0x02}, OpHangup},
		{[]byte{0x99, 0x04, byte(Key5)}, OpKeyPress},
	}
	for _, tc := range tests {
		op, err := Identify(tc.payload)
		require.NoError(t, err, "payload % x", tc.payload)
		assert.Equal(t, tc.op, op)
	}

	_, err := Identify([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	// Right prefix, wrong length: still unknown.
	_, err = Identify([]byte{0x99, 0x04})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestKeyPayloadAccessors(t *testing.T) {
	assert.Equal(t, Key5, KeyOf([]byte{0x99, 0x04, byte(Key5)}))
	assert.Equal(t, "00:1e:ca:01:02:03", MACOf([]byte{0x96, 0x0a, 0x00, 0x1e, 0xca, 0x01, 0x02, 0x03}).String())
	assert.Equal(t, "2.9", FirmwareOf([]byte{0x96, 0x05, '2', '.', '9', 0, 0, 0, 0, 0}))
}

func TestKeyClassification(t *testing.T) {
	assert.True(t, Key0.IsDigit())
	assert.True(t, Key9.IsDigit())
	assert.False(t, KeyStar.IsDigit())
	assert.Equal(t, byte('7'), Key7.Digit())
	assert.Equal(t, byte('*'), KeyStar.Digit())
	assert.Equal(t, byte(0), KeyFunc1.Digit())
	assert.True(t, KeyFav3.IsFavorite())
	assert.Equal(t, 3, KeyFav3.FavoriteIndex())
	assert.False(t, KeyUp.IsFavorite())
}
