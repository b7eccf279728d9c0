package rtp

import (
	"net"

	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"

	"github.com/cloudwebrtc/go-unistim/pkg/utils"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530

	maxDatagram = 1500
)

// Stream is one UDP leg of a media instance, bound inside the configured
// port range.
type Stream struct {
	conn     *net.UDPConn
	stopped  *abool.AtomicBool
	onPacket func(pkt []byte, raddr *net.UDPAddr)
	log      log.Logger
}

func newStream(host net.IP, portMin, portMax int, onPacket func(pkt []byte, raddr *net.UDPAddr), logger log.Logger) (*Stream, error) {
	lAddr := &net.UDPAddr{IP: host, Port: 0}
	conn, err := utils.ListenUDPInPortRange(portMin, portMax, lAddr)
	if err != nil {
		return nil, err
	}
	return &Stream{
		conn:     conn,
		stopped:  abool.New(),
		onPacket: onPacket,
		log:      logger,
	}, nil
}

func (s *Stream) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Stream) Send(pkt []byte, raddr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(pkt, raddr)
}

func (s *Stream) Close() error {
	s.stopped.Set()
	return s.conn.Close()
}

// Read pumps inbound datagrams into the packet callback until Close.
func (s *Stream) Read() {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.IsNotSet() {
				s.log.Infof("media stream %v read stopped: %v", s.LocalAddr(), err)
			}
			return
		}
		if s.stopped.IsNotSet() && s.onPacket != nil {
			s.onPacket(buf[:n], raddr)
		}
	}
}
