package transport

import (
	"net"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
	"github.com/cloudwebrtc/go-unistim/pkg/utils"
)

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, h, utils.NewLogrusLogger(log.ErrorLevel, "server_test", nil))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func phoneSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDiscoveryCreatesSession(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h)
	phone := phoneSocket(t)

	disco, err := unistim.Encode(unistim.Header{
		Discovery: true,
		Class:     unistim.ClassData,
		Dir:       unistim.DirFromPhone,
	}, unistim.DiscoveryPayload)
	require.NoError(t, err)

	_, err = phone.WriteToUDP(disco, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	// Discovery ACK comes back with sequence reset to zero.
	buf := make([]byte, 64)
	phone.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := phone.ReadFromUDP(buf)
	require.NoError(t, err)

	hdr, payload, err := unistim.ParseHeader(buf[:n])
	require.NoError(t, err)
	assert.True(t, hdr.Discovery)
	assert.Equal(t, uint16(0), hdr.Seq)
	assert.Equal(t, unistim.DiscoveryAckPayload, payload)

	// A session now exists, in INIT.
	require.Eventually(t, func() bool {
		return len(srv.Sessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s := srv.Sessions()[0]
	assert.Equal(t, StateInit, s.State())
	assert.True(t, utils.AddressEqual(s.Peer().String(), phone.LocalAddr().String()))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.up, 1)
}

func TestUnknownDiscoveryContentIgnored(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h)
	phone := phoneSocket(t)

	junk, err := unistim.Encode(unistim.Header{
		Discovery: true,
		Class:     unistim.ClassData,
		Dir:       unistim.DirFromPhone,
	}, []byte{0xba, 0xad})
	require.NoError(t, err)

	_, err = phone.WriteToUDP(junk, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	// Not fatal: no session, no answer, server keeps running.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, srv.Sessions())
}

func TestDataWithoutSessionDropped(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h)
	phone := phoneSocket(t)

	pkt, err := unistim.Encode(unistim.Header{
		Seq:   0,
		Class: unistim.ClassData,
		Dir:   unistim.DirFromPhone,
	}, []byte{0x99, 0x01})
	require.NoError(t, err)

	_, err = phone.WriteToUDP(pkt, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.payloads)
}

func TestInOrderDataDispatched(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h)
	phone := phoneSocket(t)

	disco, _ := unistim.Encode(unistim.Header{
		Discovery: true,
		Class:     unistim.ClassData,
		Dir:       unistim.DirFromPhone,
	}, unistim.DiscoveryPayload)
	_, err := phone.WriteToUDP(disco, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(srv.Sessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pickup, _ := unistim.Encode(unistim.Header{
		Seq:   0,
		Class: unistim.ClassData,
		Dir:   unistim.DirFromPhone,
	}, []byte{0x99, 0x01})
	_, err = phone.WriteToUDP(pickup, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.payloads) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	op, err := unistim.Identify(h.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, unistim.OpPickup, op)
}

func TestReloadFlagConsumedByMonitor(t *testing.T) {
	h := &recordingHandler{}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, h, utils.NewLogrusLogger(log.ErrorLevel, "server_test", nil))
	reloaded := make(chan struct{}, 1)
	srv.OnReload(func() { reloaded <- struct{}{} })
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	srv.TriggerReload()

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not consumed by the monitor loop")
	}
}
