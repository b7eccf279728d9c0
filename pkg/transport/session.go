package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/ghettovoice/gosip/log"

	"github.com/cloudwebrtc/go-unistim/pkg/metrics"
	"github.com/cloudwebrtc/go-unistim/pkg/registry"
	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

const (
	// IdleWait bounds the monitor loop's blocking read.
	IdleWait = 1000 * time.Millisecond
	// DefaultRetransmitTimer arms the resend deadline after each send.
	DefaultRetransmitTimer = 2 * time.Second
	// DefaultKeepAliveTimer arms the ping deadline once the queue drains.
	DefaultKeepAliveTimer = 10 * time.Second
	// NbMaxRetransmit tears the session down once exceeded.
	NbMaxRetransmit = 8
	// MaxUnackedPackets bounds the per-session unacked send queue. A full
	// queue is a checked error, not a silent drop.
	MaxUnackedPackets = 50
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("unacked send queue full")
)

// sentPacket is one not-yet-acknowledged outbound datagram.
type sentPacket struct {
	seq  uint16
	data []byte
}

// Session is the transport-layer binding for one physical phone's current
// UDP conversation. Unacked outbound packets sit in a bounded FIFO keyed by
// consecutive sequence numbers.
type Session struct {
	mu  sync.Mutex
	srv *Server

	peer *net.UDPAddr

	seqSend   uint16 // next outbound sequence number
	seqRecv   uint16 // next expected inbound sequence number
	lastAcked uint16 // seqSend minus queued count, minus one

	queue       deque.Deque
	retransmits int
	deadline    time.Time
	pinging     bool // deadline is a keepalive deadline, not a retransmit one

	state   State
	dialBuf string
	device  *registry.Device

	closed bool
	log    log.Logger
}

func newSession(srv *Server, peer *net.UDPAddr) *Session {
	s := &Session{
		srv:       srv,
		peer:      peer,
		lastAcked: 0xffff,
		state:     StateInit,
		log:       srv.log.WithPrefix("Session").WithFields(log.Fields{"peer": peer.String()}),
	}
	s.queue.SetMinCapacity(6) // 2^6 = 64 slots, one allocation
	s.deadline = srv.now().Add(srv.cfg.KeepAliveTimer)
	s.pinging = true
	return s
}

func (s *Session) Peer() *net.UDPAddr { return s.peer }

func (s *Session) LocalAddr() net.Addr { return s.srv.LocalAddr() }

// Close tears the session down with the given cause. Implements
// registry.Binding.
func (s *Session) Close(cause int) {
	s.srv.closeSession(s, cause)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// DialBuffer is the transient digit buffer being entered on the phone.
func (s *Session) DialBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialBuf
}

func (s *Session) SetDialBuffer(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialBuf = d
}

func (s *Session) Device() *registry.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Session) SetDevice(d *registry.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = d
}

// Unacked returns the number of outbound packets awaiting acknowledgement.
func (s *Session) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Retransmits returns the consecutive unacknowledged retransmit cycles.
func (s *Session) Retransmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retransmits
}

// Send stamps payload with the next outbound sequence number, stores a copy
// in the unacked queue, transmits it and arms the retransmit deadline.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.queue.Len() >= s.srv.cfg.QueueCapacity {
		s.mu.Unlock()
		metrics.SendQueueOverflows.Inc()
		s.log.Errorf("send queue full (%d unacked), dropping send", s.srv.cfg.QueueCapacity)
		return ErrSendQueueFull
	}
	buf, err := unistim.Encode(unistim.Header{
		Seq:   s.seqSend,
		Class: unistim.ClassData,
		Dir:   unistim.DirToPhone,
	}, payload)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.queue.PushBack(sentPacket{seq: s.seqSend, data: buf})
	s.seqSend++
	s.deadline = s.srv.now().Add(s.srv.cfg.RetransmitTimer)
	s.pinging = false
	// The socket write stays under the lock so concurrent senders hit the
	// wire in sequence order; a gap would cost the peer a retransmit cycle.
	err = s.srv.write(buf, s.peer)
	s.mu.Unlock()

	return err
}

// SendPing queues the reliable keepalive message.
func (s *Session) SendPing() error {
	return s.Send(unistim.LayoutPing.New().Bytes())
}

// onAck handles an acknowledgement for seq. In-order ACKs advance the queue;
// a newer-than-expected ACK is accepted with a warning to tolerate lost ACK
// datagrams; stale and not-yet-sent sequence numbers change nothing.
func (s *Session) onAck(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.lastAcked + 1
	diff := int(int16(seq - expected))
	switch {
	case diff < 0:
		s.log.Debugf("stale ack %d (last acked %d), ignoring", seq, s.lastAcked)
		return
	case diff >= s.queue.Len():
		s.log.Errorf("ack %d references an unsent sequence (next send %d), ignoring", seq, s.seqSend)
		return
	case diff > 0:
		s.log.Warnf("ack gap: got %d, expected %d, assuming lost acks", seq, expected)
	}

	for i := 0; i <= diff; i++ {
		s.queue.PopFront()
	}
	s.lastAcked = seq
	s.retransmits = 0

	if s.queue.Len() == 0 {
		s.deadline = s.srv.now().Add(s.srv.cfg.KeepAliveTimer)
		s.pinging = true
	} else {
		s.deadline = s.srv.now().Add(s.srv.cfg.RetransmitTimer)
		s.pinging = false
	}
}

// onData handles an inbound data packet. Only the expected next sequence is
// acknowledged and dispatched; retransmitted duplicates are re-acked without
// redispatching; a gap is logged and deliberately not acknowledged so the
// sender's own retransmit timer recovers the loss.
func (s *Session) onData(seq uint16) (dispatch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	switch diff := int(int16(seq - s.seqRecv)); {
	case diff == 0:
		s.seqRecv++
		s.srv.writeAck(seq, s.peer)
		return true
	case diff < 0:
		s.log.Debugf("duplicate packet %d (expecting %d), re-acking", seq, s.seqRecv)
		s.srv.writeAck(seq, s.peer)
		return false
	default:
		s.log.Warnf("receive gap: got %d, expecting %d, waiting for sender retransmit", seq, s.seqRecv)
		return false
	}
}

// onRetransmitRequest re-transmits every queued slot from the requested
// sequence number forward.
func (s *Session) onRetransmitRequest(seq uint16) {
	s.mu.Lock()
	var resend [][]byte
	for i := 0; i < s.queue.Len(); i++ {
		sp := s.queue.At(i).(sentPacket)
		if int16(sp.seq-seq) >= 0 {
			resend = append(resend, sp.data)
		}
	}
	s.mu.Unlock()

	if len(resend) == 0 {
		s.log.Warnf("retransmit request for %d matches nothing in the queue", seq)
		return
	}
	s.log.Debugf("peer requested retransmit from %d, resending %d packets", seq, len(resend))
	for _, data := range resend {
		_ = s.srv.write(data, s.peer)
	}
	metrics.Retransmits.Add(float64(len(resend)))
}

// tick runs the session's timer once. It returns false when the retransmit
// cap has been exceeded and the session must be torn down.
func (s *Session) tick(now time.Time) (alive bool) {
	s.mu.Lock()
	if s.closed || now.Before(s.deadline) {
		s.mu.Unlock()
		return true
	}

	if s.pinging {
		s.mu.Unlock()
		// Queue idle past the keepalive deadline: ping, reliably. A dead
		// phone then runs into the retransmit cap below.
		if err := s.SendPing(); err != nil {
			s.log.Warnf("keepalive ping failed: %v", err)
		}
		return true
	}

	s.retransmits++
	if s.retransmits > s.srv.cfg.MaxRetransmit {
		s.mu.Unlock()
		s.log.Warnf("no ack after %d retransmit cycles, tearing down", s.srv.cfg.MaxRetransmit)
		return false
	}
	var resend [][]byte
	for i := 0; i < s.queue.Len(); i++ {
		resend = append(resend, s.queue.At(i).(sentPacket).data)
	}
	s.deadline = now.Add(s.srv.cfg.RetransmitTimer)
	s.pinging = false
	s.mu.Unlock()

	s.log.Debugf("retransmit cycle %d, %d packets", s.retransmits, len(resend))
	for _, data := range resend {
		_ = s.srv.write(data, s.peer)
	}
	metrics.Retransmits.Add(float64(len(resend)))
	return true
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = StateCleaning
	s.queue.Clear()
}

func (s *Session) String() string {
	return fmt.Sprintf("session[%s %s]", s.peer, s.State())
}
