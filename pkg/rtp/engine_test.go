package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/go-unistim/pkg/utils"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(net.IPv4(127, 0, 0, 1), 40000, 40100,
		utils.NewLogrusLogger(log.ErrorLevel, "rtp_test", nil))
}

func TestPayloadCode(t *testing.T) {
	code, err := PayloadCode("ulaw")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), code)

	code, err = PayloadCode("g729")
	require.NoError(t, err)
	assert.Equal(t, uint8(18), code)

	_, err = PayloadCode("opus48")
	assert.Error(t, err)
}

func TestNewInstanceBindsInRange(t *testing.T) {
	inst, err := testEngine(t).NewInstance()
	require.NoError(t, err)
	defer inst.Close()

	for _, addr := range []*net.UDPAddr{inst.LocalRTPAddr(), inst.LocalRTCPAddr()} {
		assert.GreaterOrEqual(t, addr.Port, 40000)
		assert.LessOrEqual(t, addr.Port, 40100)
	}
}

func TestInstanceLearnsRemoteFromFirstPacket(t *testing.T) {
	inst, err := testEngine(t).NewInstance()
	require.NoError(t, err)
	defer inst.Close()

	got := make(chan *pionrtp.Packet, 1)
	inst.OnPacket = func(pkt *pionrtp.Packet) { got <- pkt }

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer sender.Close()

	pkt := &pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1, SSRC: 42},
		Payload: make([]byte, 160),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = sender.WriteToUDP(raw, inst.LocalRTPAddr())
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, uint32(42), p.SSRC)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not delivered")
	}

	remote := inst.RemoteAddr()
	require.NotNil(t, remote)
	assert.Equal(t, sender.LocalAddr().(*net.UDPAddr).Port, remote.Port)

	rtpCount, _, bad := inst.Stats()
	assert.Equal(t, uint64(1), rtpCount)
	assert.Equal(t, uint64(0), bad)
}

func TestInstanceRejectsNonRTP(t *testing.T) {
	inst, err := testEngine(t).NewInstance()
	require.NoError(t, err)
	defer inst.Close()

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.WriteToUDP([]byte("not rtp"), inst.LocalRTPAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, bad := inst.Stats()
		return bad == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, inst.RemoteAddr())
}
