// Package rtp hosts the media-path collaborator: UDP streams for RTP and
// RTCP bound in a configured port range, plus the static payload-code table
// the phones are driven with. The packets themselves are relayed opaquely;
// only headers are validated.
package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Static payload codes per RFC 3551. The terminal firmware expects the
// numeric code pushed imperatively; there is no SDP negotiation.
var payloadCodes = map[string]uint8{
	"ulaw": 0,
	"gsm":  3,
	"g723": 4,
	"alaw": 8,
	"g722": 9,
	"g729": 18,
}

// PayloadCode resolves a configured codec name to its RTP payload type.
func PayloadCode(codec string) (uint8, error) {
	code, ok := payloadCodes[codec]
	if !ok {
		return 0, fmt.Errorf("unknown codec %q", codec)
	}
	return code, nil
}

// CodecName is the reverse of PayloadCode, used by the codec menu.
func CodecName(code uint8) (string, error) {
	for name, c := range payloadCodes {
		if c == code {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown payload type %d", code)
}

// Engine creates media instances for call legs.
type Engine struct {
	host             net.IP
	portMin, portMax int
	log              log.Logger
}

func NewEngine(host net.IP, portMin, portMax int, logger log.Logger) *Engine {
	if portMin == 0 {
		portMin = DefaultPortMin
	}
	if portMax == 0 {
		portMax = DefaultPortMax
	}
	return &Engine{
		host:    host,
		portMin: portMin,
		portMax: portMax,
		log:     logger.WithPrefix("RTPEngine"),
	}
}

// NewInstance binds an RTP and an RTCP stream. A bind error abandons the
// attempt; the caller gives up on the call, not on the session.
func (e *Engine) NewInstance() (*Instance, error) {
	inst := &Instance{log: e.log}

	var err error
	inst.rtp, err = newStream(e.host, e.portMin, e.portMax, inst.onRTP, e.log)
	if err != nil {
		return nil, fmt.Errorf("rtp bind: %w", err)
	}
	inst.rtcp, err = newStream(e.host, e.portMin, e.portMax, inst.onRTCP, e.log)
	if err != nil {
		inst.rtp.Close()
		return nil, fmt.Errorf("rtcp bind: %w", err)
	}

	go inst.rtp.Read()
	go inst.rtcp.Read()
	return inst, nil
}

// Instance is one live media path between a phone and a bridged peer.
type Instance struct {
	rtp  *Stream
	rtcp *Stream

	mu         sync.Mutex
	remote     *net.UDPAddr
	remoteRTCP *net.UDPAddr

	rtpPackets  uint64
	rtcpReports uint64
	badPackets  uint64

	// OnPacket, when set, receives each validated inbound RTP packet.
	OnPacket func(pkt *rtp.Packet)

	log log.Logger
}

func (i *Instance) LocalRTPAddr() *net.UDPAddr  { return i.rtp.LocalAddr() }
func (i *Instance) LocalRTCPAddr() *net.UDPAddr { return i.rtcp.LocalAddr() }

func (i *Instance) RemoteAddr() *net.UDPAddr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.remote
}

// SetRemoteAddr pins the far end. Before that, the first validated inbound
// packet sets it (the phone starts sending as soon as its stream opens).
func (i *Instance) SetRemoteAddr(raddr *net.UDPAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.remote = raddr
	i.remoteRTCP = &net.UDPAddr{IP: raddr.IP, Port: raddr.Port + 1}
}

// WriteRTP relays an RTP datagram to the far end.
func (i *Instance) WriteRTP(pkt []byte) (int, error) {
	raddr := i.RemoteAddr()
	if raddr == nil {
		return 0, fmt.Errorf("remote address not learned yet")
	}
	return i.rtp.Send(pkt, raddr)
}

// Stats returns packet counters for the CLI.
func (i *Instance) Stats() (rtpPackets, rtcpReports, bad uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rtpPackets, i.rtcpReports, i.badPackets
}

func (i *Instance) Close() error {
	err1 := i.rtp.Close()
	err2 := i.rtcp.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (i *Instance) onRTP(buf []byte, raddr *net.UDPAddr) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil || pkt.Version != 2 {
		i.mu.Lock()
		i.badPackets++
		i.mu.Unlock()
		return
	}
	i.mu.Lock()
	i.rtpPackets++
	if i.remote == nil {
		i.remote = raddr
		i.remoteRTCP = &net.UDPAddr{IP: raddr.IP, Port: raddr.Port + 1}
	}
	cb := i.OnPacket
	i.mu.Unlock()
	if cb != nil {
		cb(pkt)
	}
}

func (i *Instance) onRTCP(buf []byte, raddr *net.UDPAddr) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		i.mu.Lock()
		i.badPackets++
		i.mu.Unlock()
		return
	}
	i.mu.Lock()
	i.rtcpReports += uint64(len(pkts))
	i.mu.Unlock()
	for _, p := range pkts {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			i.log.Debugf("rtcp sender report from %v: %d packets", raddr, sr.PacketCount)
		}
	}
}
