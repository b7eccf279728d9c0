package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
	"github.com/cloudwebrtc/go-unistim/pkg/utils"
)

type recordingHandler struct {
	mu       sync.Mutex
	up       []*Session
	down     []*Session
	causes   []int
	payloads [][]byte
}

func (h *recordingHandler) OnSessionUp(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up = append(h.up, s)
}

func (h *recordingHandler) OnMessage(s *Session, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.payloads = append(h.payloads, cp)
}

func (h *recordingHandler) OnSessionDown(s *Session, cause int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = append(h.down, s)
	h.causes = append(h.causes, cause)
}

// newTestServer builds a server with a loopback socket but without the
// monitor goroutine, so tests drive the timers themselves.
func newTestServer(t *testing.T, h Handler) *Server {
	t.Helper()
	if h == nil {
		h = &recordingHandler{}
	}
	srv := NewServer(Config{}, h, utils.NewLogrusLogger(log.ErrorLevel, "transport_test", nil))
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	srv.conn = conn
	t.Cleanup(func() { conn.Close() })
	return srv
}

func addSession(srv *Server) *Session {
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	s := newSession(srv, peer)
	srv.mu.Lock()
	srv.sessions[peer.String()] = s
	srv.mu.Unlock()
	return s
}

func TestSendThenInOrderAcksDrainQueue(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	}
	assert.Equal(t, 5, s.Unacked())

	s.retransmits = 3
	for seq := uint16(0); seq < 5; seq++ {
		s.onAck(seq)
	}
	assert.Equal(t, 0, s.Unacked())
	assert.Equal(t, 0, s.Retransmits())
	// Empty queue arms the keepalive deadline instead of the retransmit one.
	assert.True(t, s.pinging)
}

func TestAckGapToleratesLostAcks(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	}
	// ACK 2 arrives with ACKs 0 and 1 lost: all three slots drain.
	s.onAck(2)
	assert.Equal(t, 1, s.Unacked())
	assert.Equal(t, uint16(2), s.lastAcked)
}

func TestStaleAckIsNoOp(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	s.onAck(0)

	before := s.Unacked()
	retrBefore := s.Retransmits()
	s.onAck(0) // duplicate of an already-acked sequence
	assert.Equal(t, before, s.Unacked())
	assert.Equal(t, retrBefore, s.Retransmits())
	assert.Equal(t, uint16(0), s.lastAcked)
}

func TestAckForUnsentSequenceIgnored(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	s.onAck(17)
	assert.Equal(t, 1, s.Unacked())
	assert.Equal(t, uint16(0xffff), s.lastAcked)
}

func TestSendQueueOverflowIsCheckedError(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	for i := 0; i < MaxUnackedPackets; i++ {
		require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
	}
	err := s.Send(unistim.LayoutPing.New().Bytes())
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.Equal(t, MaxUnackedPackets, s.Unacked())
}

func TestConcurrentSendsReachWireInSequenceOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	s := newSession(srv, peer.LocalAddr().(*net.UDPAddr))
	srv.mu.Lock()
	srv.sessions[s.peer.String()] = s
	srv.mu.Unlock()

	// Loopback preserves datagram order, so any inversion here is ours.
	const senders, perSender = 8, 5
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))
			}
		}()
	}
	wg.Wait()

	buf := make([]byte, unistim.MaxPacketSize)
	for want := 0; want < senders*perSender; want++ {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		hdr, _, err := unistim.ParseHeader(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, uint16(want), hdr.Seq)
	}
}

func TestOnDataOrdering(t *testing.T) {
	h := &recordingHandler{}
	srv := newTestServer(t, h)
	s := addSession(srv)

	assert.True(t, s.onData(0))
	assert.True(t, s.onData(1))
	// Duplicate: re-acked, not redispatched.
	assert.False(t, s.onData(1))
	// Gap: not acked, not dispatched.
	assert.False(t, s.onData(5))
	// The expected sequence still goes through afterwards.
	assert.True(t, s.onData(2))
}

func TestRetransmitCapTearsSessionDown(t *testing.T) {
	h := &recordingHandler{}
	srv := newTestServer(t, h)
	s := addSession(srv)

	now := time.Now()
	srv.now = func() time.Time { return now }
	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes()))

	for i := 0; i <= NbMaxRetransmit; i++ {
		now = now.Add(srv.cfg.RetransmitTimer + time.Millisecond)
		srv.tickAll()
	}

	assert.Empty(t, srv.Sessions(), "session must leave the global list")
	require.Len(t, h.down, 1)
	assert.Equal(t, CauseNetworkOutOfOrder, h.causes[0])

	// Subsequent ticks no longer see the session.
	now = now.Add(srv.cfg.RetransmitTimer + time.Millisecond)
	srv.tickAll()
	assert.Len(t, h.down, 1)
}

func TestIdleSessionPingsReliably(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)

	now := time.Now()
	srv.now = func() time.Time { return now }

	now = now.Add(srv.cfg.KeepAliveTimer + time.Millisecond)
	srv.tickAll()
	// The keepalive ping itself sits in the unacked queue.
	assert.Equal(t, 1, s.Unacked())
	assert.False(t, s.pinging)
}

func TestCloseSessionIdempotent(t *testing.T) {
	h := &recordingHandler{}
	srv := newTestServer(t, h)
	s := addSession(srv)

	srv.closeSession(s, CauseNormalClearing)
	srv.closeSession(s, CauseNormalClearing)
	assert.Len(t, h.down, 1)
	assert.ErrorIs(t, s.Send([]byte{0x16, 0x04}), ErrSessionClosed)
}

func TestSequenceNumberWrap(t *testing.T) {
	srv := newTestServer(t, nil)
	s := addSession(srv)
	s.seqSend = 0xfffe
	s.lastAcked = 0xfffd

	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes())) // seq fffe
	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes())) // seq ffff
	require.NoError(t, s.Send(unistim.LayoutPing.New().Bytes())) // seq 0000
	s.onAck(0xfffe)
	s.onAck(0xffff)
	s.onAck(0x0000)
	assert.Equal(t, 0, s.Unacked())
	assert.Equal(t, uint16(0), s.lastAcked)
}
