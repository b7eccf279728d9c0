package transport

import (
	"net"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"

	"github.com/cloudwebrtc/go-unistim/pkg/metrics"
	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// Config describes the transport tunables.
type Config struct {
	// ListenAddr is the UDP address phones talk to, e.g. "0.0.0.0:5000".
	ListenAddr      string
	RetransmitTimer time.Duration
	KeepAliveTimer  time.Duration
	MaxRetransmit   int
	QueueCapacity   int
}

func (c *Config) fillDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5000"
	}
	if c.RetransmitTimer == 0 {
		c.RetransmitTimer = DefaultRetransmitTimer
	}
	if c.KeepAliveTimer == 0 {
		c.KeepAliveTimer = DefaultKeepAliveTimer
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = NbMaxRetransmit
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = MaxUnackedPackets
	}
}

// Handler receives transport events. OnMessage runs on the monitor
// goroutine; handlers must not block it.
type Handler interface {
	// OnSessionUp fires once a new session finished the discovery exchange.
	OnSessionUp(s *Session)
	// OnMessage delivers one in-order data payload.
	OnMessage(s *Session, payload []byte)
	// OnSessionDown fires when a session is torn down, with a Q.850 cause.
	OnSessionDown(s *Session, cause int)
}

// Server owns the UDP socket and the session collection. All timers run on
// one monitor goroutine; there is no process-wide state.
type Server struct {
	cfg     Config
	handler Handler

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*Session

	running  *abool.AtomicBool
	reload   *abool.AtomicBool
	onReload func()

	wg  sync.WaitGroup
	log log.Logger

	// now is swappable for timer tests.
	now func() time.Time
}

func NewServer(cfg Config, handler Handler, logger log.Logger) *Server {
	cfg.fillDefaults()
	return &Server{
		cfg:      cfg,
		handler:  handler,
		sessions: make(map[string]*Session),
		running:  abool.New(),
		reload:   abool.New(),
		log:      logger.WithPrefix("Transport"),
		now:      time.Now,
	}
}

// OnReload registers the callback consumed by the monitor loop when a reload
// has been requested.
func (srv *Server) OnReload(fn func()) { srv.onReload = fn }

// TriggerReload asks the monitor loop to run the reload callback at the top
// of its next iteration. Safe from any goroutine.
func (srv *Server) TriggerReload() { srv.reload.Set() }

// LocalAddr returns the bound UDP address, nil before Start.
func (srv *Server) LocalAddr() net.Addr {
	if srv.conn == nil {
		return nil
	}
	return srv.conn.LocalAddr()
}

// Start binds the socket and launches the monitor goroutine.
func (srv *Server) Start() error {
	laddr, err := net.ResolveUDPAddr("udp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	srv.conn = conn
	srv.running.Set()
	srv.wg.Add(1)
	go srv.monitor()
	srv.log.Infof("listening on %s", conn.LocalAddr())
	return nil
}

// Stop closes the socket and waits for the monitor goroutine.
func (srv *Server) Stop() {
	if !srv.running.IsSet() {
		return
	}
	srv.running.UnSet()
	srv.conn.Close()
	srv.wg.Wait()

	for _, s := range srv.Sessions() {
		srv.closeSession(s, CauseNormalClearing)
	}
}

// Sessions returns a snapshot of the live sessions.
func (srv *Server) Sessions() []*Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// FindSession returns the session for a peer address, or nil.
func (srv *Server) FindSession(peer *net.UDPAddr) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sessions[peer.String()]
}

// monitor is the single thread owning the receive path and all timers. It
// blocks in a bounded read so timers are re-evaluated at least every
// IdleWait even when no datagram arrives.
func (srv *Server) monitor() {
	defer srv.wg.Done()
	buf := make([]byte, unistim.MaxPacketSize+1)

	for srv.running.IsSet() {
		if srv.reload.IsSet() {
			srv.reload.UnSet()
			if srv.onReload != nil {
				srv.log.Infof("reload requested")
				srv.onReload()
			}
		}

		srv.conn.SetReadDeadline(srv.now().Add(IdleWait))
		n, raddr, err := srv.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				srv.tickAll()
				continue
			}
			if srv.running.IsSet() {
				srv.log.Errorf("udp read: %v", err)
			}
			srv.tickAll()
			continue
		}
		srv.handleDatagram(buf[:n], raddr)
		srv.tickAll()
	}
}

func (srv *Server) handleDatagram(buf []byte, raddr *net.UDPAddr) {
	metrics.PacketsIn.Inc()

	h, payload, err := unistim.ParseHeader(buf)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		srv.log.Warnf("dropping malformed packet from %v: %v", raddr, err)
		return
	}

	if h.Discovery {
		srv.handleDiscovery(payload, raddr)
		return
	}

	s := srv.FindSession(raddr)
	if s == nil {
		metrics.PacketsDropped.WithLabelValues("no_session").Inc()
		srv.log.Warnf("packet from %v without a session, dropping", raddr)
		return
	}

	switch h.Class {
	case unistim.ClassAck:
		s.onAck(h.Seq)
	case unistim.ClassRetransmitReq:
		s.onRetransmitRequest(h.Seq)
	case unistim.ClassData:
		if s.onData(h.Seq) {
			srv.handler.OnMessage(s, payload)
		}
	}
}

// handleDiscovery creates (or resets) the session for a booting phone and
// answers with the literal discovery ACK, sequence numbers reset to zero.
func (srv *Server) handleDiscovery(payload []byte, raddr *net.UDPAddr) {
	if !unistim.IsDiscovery(payload) {
		srv.log.Warnf("unrecognized discovery content from %v: % x", raddr, payload)
		return
	}

	key := raddr.String()
	srv.mu.Lock()
	if old, ok := srv.sessions[key]; ok {
		// The phone rebooted; drop the stale conversation first.
		srv.mu.Unlock()
		srv.closeSession(old, CauseNormalClearing)
		srv.mu.Lock()
	}
	s := newSession(srv, raddr)
	srv.sessions[key] = s
	srv.mu.Unlock()
	metrics.SessionsActive.Inc()

	ack, _ := unistim.Encode(unistim.Header{
		Discovery: true,
		Seq:       0,
		Class:     unistim.ClassData,
		Dir:       unistim.DirToPhone,
	}, unistim.DiscoveryAckPayload)
	_ = srv.write(ack, raddr)

	srv.log.Infof("new session from %v", raddr)
	srv.handler.OnSessionUp(s)
}

// closeSession is idempotent: the session must still be in the map to be
// destroyed. Lock order is session map, then device.
func (srv *Server) closeSession(s *Session, cause int) {
	key := s.peer.String()
	srv.mu.Lock()
	if srv.sessions[key] != s {
		srv.mu.Unlock()
		return
	}
	delete(srv.sessions, key)
	srv.mu.Unlock()

	metrics.SessionsActive.Dec()
	if cause == CauseNetworkOutOfOrder {
		metrics.SessionTimeouts.Inc()
	}

	if dev := s.Device(); dev != nil {
		dev.UnbindSession(s)
	}
	s.markClosed()
	srv.log.Infof("%s closed (cause %d)", s, cause)
	srv.handler.OnSessionDown(s, cause)
}

// tickAll scans every session's deadline once.
func (srv *Server) tickAll() {
	now := srv.now()
	for _, s := range srv.Sessions() {
		if !s.tick(now) {
			srv.closeSession(s, CauseNetworkOutOfOrder)
		}
	}
}

func (srv *Server) write(buf []byte, raddr *net.UDPAddr) error {
	metrics.PacketsOut.Inc()
	_, err := srv.conn.WriteToUDP(buf, raddr)
	if err != nil {
		srv.log.Warnf("udp write to %v: %v", raddr, err)
	}
	return err
}

func (srv *Server) writeAck(seq uint16, raddr *net.UDPAddr) {
	_ = srv.write(unistim.EncodeAck(seq, unistim.DirToPhone), raddr)
}
