package bridge

import (
	"fmt"
	"net"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// RTPMethod selects the binary layout used to instruct the phone to open
// its audio stream. The firmware does not negotiate; codec and port layout
// are pushed imperatively.
type RTPMethod int

const (
	// MethodLegacy pushes the RTP port only; the phone derives RTCP.
	MethodLegacy RTPMethod = iota
	// MethodCombined pushes RTP and RTCP ports in one message.
	MethodCombined
	// MethodSplit pushes RTP and RTCP in two separate messages.
	MethodSplit
)

// mediaPlan captures everything an audio-open exchange needs.
type mediaPlan struct {
	codec      uint8
	phoneRTP   uint16 // port the phone opens for RTP
	phoneRTCP  uint16
	serverRTP  uint16 // our instance's ports
	serverRTCP uint16
	serverIP   net.IP
	frames     byte // packetization, 20ms frames per packet
}

// buildAudioOpen renders the plan into one or two payloads per the method.
func buildAudioOpen(method RTPMethod, plan mediaPlan) ([][]byte, error) {
	ip4 := plan.serverIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("audio open needs an IPv4 media address, got %v", plan.serverIP)
	}

	switch method {
	case MethodLegacy:
		m := unistim.LayoutAudioOpenLegacy.New()
		m.SetByte("codec", plan.codec)
		m.SetUint16("local-port", plan.phoneRTP)
		m.SetUint16("remote-port", plan.serverRTP)
		m.SetRaw("remote-ip", ip4)
		m.SetByte("frames", plan.frames)
		return [][]byte{m.Bytes()}, nil

	case MethodCombined:
		m := unistim.LayoutAudioOpenCombined.New()
		m.SetByte("codec", plan.codec)
		m.SetUint16("local-rtp-port", plan.phoneRTP)
		m.SetUint16("local-rtcp-port", plan.phoneRTCP)
		m.SetUint16("remote-rtp-port", plan.serverRTP)
		m.SetUint16("remote-rtcp-port", plan.serverRTCP)
		m.SetRaw("remote-ip", ip4)
		m.SetByte("frames", plan.frames)
		return [][]byte{m.Bytes()}, nil

	case MethodSplit:
		a := unistim.LayoutAudioOpenRTP.New()
		a.SetByte("codec", plan.codec)
		a.SetUint16("local-port", plan.phoneRTP)
		a.SetUint16("remote-port", plan.serverRTP)
		a.SetRaw("remote-ip", ip4)
		a.SetByte("frames", plan.frames)
		b := unistim.LayoutAudioOpenRTCP.New()
		b.SetUint16("local-port", plan.phoneRTCP)
		b.SetUint16("remote-port", plan.serverRTCP)
		b.SetRaw("remote-ip", ip4)
		return [][]byte{a.Bytes(), b.Bytes()}, nil
	}
	return nil, fmt.Errorf("unknown rtp method %d", method)
}
