// Package bridge translates phone UI events into call-control actions and
// negotiates the media path with the RTP engine. The PBX core itself is an
// external collaborator reached through the CallControl contract.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"

	"github.com/cloudwebrtc/go-unistim/pkg/metrics"
	"github.com/cloudwebrtc/go-unistim/pkg/registry"
	"github.com/cloudwebrtc/go-unistim/pkg/rtp"
	"github.com/cloudwebrtc/go-unistim/pkg/transport"
	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

var (
	ErrNoRealLeg     = errors.New("no active call leg")
	ErrNoSender      = errors.New("device has no live session")
	ErrSwapFailed    = errors.New("channel swap failed")
	ErrMediaDeclined = errors.New("media path could not be created")
)

// Channel is one PBX call-control channel bound to a call leg.
type Channel interface {
	ID() string
	// Start runs the dialplan; the adapter calls it on its own goroutine so
	// extension execution never blocks the monitor thread.
	Start() error
	Answer() error
	Hangup(cause int) error
	// SetHold signals hold (music on hold) or unhold to the bridged peer.
	SetHold(on bool)
	QueueDTMF(digit byte) error
	StartSilence()
	StopSilence()
	// Masquerade swaps this channel's call with other's, completing a
	// transfer. Both legs must be hung up if it fails.
	Masquerade(other Channel) error
}

// CallControl is the external PBX core contract.
type CallControl interface {
	NewChannel(line *registry.Line, exten string, sub *Subchannel) (Channel, error)
	// ExtensionExists reports whether exten matches a dialplan entry.
	ExtensionExists(exten string) bool
	// ExtensionCanMatchMore reports whether a longer dial string could
	// still match; false makes an exact match unambiguous.
	ExtensionCanMatchMore(exten string) bool
}

// MediaInstance is the slice of the RTP engine contract the adapter needs.
type MediaInstance interface {
	LocalRTPAddr() *net.UDPAddr
	LocalRTCPAddr() *net.UDPAddr
	RemoteAddr() *net.UDPAddr
	SetRemoteAddr(raddr *net.UDPAddr)
	Close() error
}

// Sender pushes reliable payloads down a phone session.
type Sender interface {
	Send(payload []byte) error
	Peer() *net.UDPAddr
}

// Config tunes the adapter.
type Config struct {
	Method RTPMethod
	// PhoneRTPPort is the port terminals are told to open for RTP; RTCP is
	// the next port up.
	PhoneRTPPort uint16
	// Frames is the packetization pushed to the terminal, in 20ms frames.
	Frames byte
	// DTMFDuration is the inline tone duration block; crude by contract.
	DTMFDuration time.Duration
}

func (c *Config) fillDefaults() {
	if c.PhoneRTPPort == 0 {
		c.PhoneRTPPort = 5200
	}
	if c.Frames == 0 {
		c.Frames = 1
	}
	if c.DTMFDuration == 0 {
		c.DTMFDuration = 150 * time.Millisecond
	}
}

// Adapter owns the subchannel lists and drives call control and media.
type Adapter struct {
	cfg      Config
	cc       CallControl
	newMedia func() (MediaInstance, error)
	reg      *registry.Registry

	// mu is the subchannel-list lock; in teardown it is taken after the
	// device lock, never before.
	mu   sync.Mutex
	subs map[*registry.Device][]*Subchannel

	log log.Logger
}

func NewAdapter(cfg Config, cc CallControl, newMedia func() (MediaInstance, error), reg *registry.Registry, logger log.Logger) *Adapter {
	cfg.fillDefaults()
	return &Adapter{
		cfg:      cfg,
		cc:       cc,
		newMedia: newMedia,
		reg:      reg,
		subs:     make(map[*registry.Device][]*Subchannel),
		log:      logger.WithPrefix("Bridge"),
	}
}

// CallControl exposes the PBX contract for dial-string matching.
func (a *Adapter) CallControl() CallControl { return a.cc }

// Subchannels returns a snapshot of the device's call legs.
func (a *Adapter) Subchannels(dev *registry.Device) []*Subchannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Subchannel, len(a.subs[dev]))
	copy(out, a.subs[dev])
	return out
}

// FindByRole returns the device's first leg with the given role, or nil.
func (a *Adapter) FindByRole(dev *registry.Device, role Role) *Subchannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.subs[dev] {
		if sub.Role == role {
			return sub
		}
	}
	return nil
}

// HeldByCall reports whether any live leg still references the device; the
// registry reload sweep consults it.
func (a *Adapter) HeldByCall(dev *registry.Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs[dev]) > 0
}

// DialOut allocates a call leg for an outgoing call and starts the dialplan
// on it. Any existing real leg is placed on hold first.
func (a *Adapter) DialOut(sender Sender, dev *registry.Device, exten string) (*Subchannel, error) {
	slot, err := dev.FindAvailableSoftkey("")
	if err != nil {
		return nil, err
	}
	line := dev.Softkeys[slot].Line

	if real := a.FindByRole(dev, SubReal); real != nil {
		a.holdLeg(sender, real)
	}

	sub := newSubchannel(dev, line, slot, SubReal)
	sub.Exten = exten

	ch, err := a.cc.NewChannel(line, exten, sub)
	if err != nil {
		return nil, fmt.Errorf("channel allocation: %w", err)
	}
	sub.Channel = ch

	dev.SetSoftkeyInUse(slot, true)
	a.attach(dev, sub)
	a.setSlotIcon(sender, slot, unistim.IconOffHook)
	a.fanOutIcon(dev, unistim.IconOffHook)
	metrics.CallsTotal.WithLabelValues("outbound").Inc()

	if err := a.StartMedia(sender, sub); err != nil {
		a.log.Warnf("media for %s abandoned: %v", sub.ID, err)
	}

	// Dialplan execution may block; keep it off the monitor thread.
	go func() {
		if err := ch.Start(); err != nil {
			a.log.Warnf("dialplan start for %s: %v", exten, err)
		}
	}()
	a.log.Infof("outgoing leg %s on %s/%s to %s", sub.ID, dev.Name, line, exten)
	return sub, nil
}

// RingIn selects a ringing subchannel for an incoming call and refreshes the
// softkey icons of every slot carrying the same line, on this device and on
// every device bookmarking it.
func (a *Adapter) RingIn(dev *registry.Device, line *registry.Line, callerNum, callerName string) (*Subchannel, error) {
	slot, err := dev.FindAvailableSoftkey(line.Name)
	if err != nil {
		return nil, err
	}

	sub := newSubchannel(dev, line, slot, SubRinging)
	sub.CallerNum = callerNum
	sub.CallerName = callerName

	dev.SetSoftkeyInUse(slot, true)
	a.attach(dev, sub)
	metrics.CallsTotal.WithLabelValues("inbound").Inc()

	if sender, ok := dev.Session().(Sender); ok {
		for i := range dev.Softkeys {
			if dev.Softkeys[i].Line == line {
				a.setSlotIcon(sender, i, unistim.IconRingWave)
			}
		}
	}
	a.fanOutIcon(dev, unistim.IconRingWave)
	return sub, nil
}

// Answer connects a ringing (or held) leg: it becomes the single real leg,
// any previous real leg goes on hold, media starts, and the PBX layer is
// signalled.
func (a *Adapter) Answer(sender Sender, sub *Subchannel) error {
	if real := a.FindByRole(sub.Device, SubReal); real != nil && real != sub {
		a.holdLeg(sender, real)
	}

	a.mu.Lock()
	sub.Role = SubReal
	a.mu.Unlock()

	if err := a.StartMedia(sender, sub); err != nil {
		a.log.Warnf("media for %s abandoned: %v", sub.ID, err)
	}
	if sub.Channel != nil {
		if err := sub.Channel.Answer(); err != nil {
			return err
		}
	}
	a.setSlotIcon(sender, sub.Slot, unistim.IconOffHook)
	a.fanOutIcon(sub.Device, unistim.IconOffHook)
	return nil
}

// Hold places the leg on hold: role flip, hold signal to the peer, icons.
func (a *Adapter) Hold(sender Sender, sub *Subchannel) {
	a.holdLeg(sender, sub)
}

// Resume takes a held leg back as the real one.
func (a *Adapter) Resume(sender Sender, sub *Subchannel) error {
	if real := a.FindByRole(sub.Device, SubReal); real != nil && real != sub {
		a.holdLeg(sender, real)
	}
	a.mu.Lock()
	sub.Role = SubReal
	a.mu.Unlock()
	if sub.Channel != nil {
		sub.Channel.SetHold(false)
	}
	if err := a.StartMedia(sender, sub); err != nil {
		return err
	}
	a.setSlotIcon(sender, sub.Slot, unistim.IconOffHook)
	return nil
}

// Hangup ends a leg: media closed, channel hung up with the cause, slot
// freed, icons back to on-hook.
func (a *Adapter) Hangup(sender Sender, sub *Subchannel, cause int) {
	if sub.Media != nil {
		sub.Media.Close()
		sub.Media = nil
		if sender != nil {
			_ = sender.Send(unistim.LayoutAudioClose.New().Bytes())
		}
	}
	if sub.Channel != nil {
		if err := sub.Channel.Hangup(cause); err != nil {
			a.log.Warnf("hangup %s: %v", sub.ID, err)
		}
	}

	sub.Device.SetSoftkeyInUse(sub.Slot, false)
	a.detach(sub.Device, sub)

	if sender != nil {
		a.setSlotIcon(sender, sub.Slot, unistim.IconOnHook)
	}
	if a.FindByRole(sub.Device, SubReal) == nil {
		a.fanOutIcon(sub.Device, unistim.IconOnHook)
	}
	a.log.Infof("leg %s on %s ended (cause %d)", sub.ID, sub.Device.Name, cause)
}

// HangupAll force-ends every leg of a device, used on session teardown.
func (a *Adapter) HangupAll(dev *registry.Device, cause int) {
	for _, sub := range a.Subchannels(dev) {
		a.Hangup(nil, sub, cause)
	}
}

// StartTransfer snapshots the current real leg into a three-way role and
// parks the bridged peer on music-on-hold. The user then dials the second
// leg.
func (a *Adapter) StartTransfer(sender Sender, sub *Subchannel) error {
	a.mu.Lock()
	if sub.Role != SubReal {
		a.mu.Unlock()
		return ErrNoRealLeg
	}
	sub.Role = SubThreeway
	a.mu.Unlock()

	if sub.Channel != nil {
		sub.Channel.SetHold(true)
	}
	a.setSlotIcon(sender, sub.Slot, unistim.IconHold)
	return nil
}

// CompleteTransfer masquerades the three-way leg's channel with the second
// leg's. No partial-transfer state is tolerated: a failed swap hangs up
// both legs.
func (a *Adapter) CompleteTransfer(sender Sender, threeway, second *Subchannel) error {
	if threeway.Channel == nil || second.Channel == nil {
		a.Hangup(sender, threeway, transport.CauseNetworkOutOfOrder)
		a.Hangup(sender, second, transport.CauseNetworkOutOfOrder)
		return ErrSwapFailed
	}
	if err := threeway.Channel.Masquerade(second.Channel); err != nil {
		a.log.Warnf("transfer swap failed: %v, hanging up both legs", err)
		a.Hangup(sender, threeway, transport.CauseNetworkOutOfOrder)
		a.Hangup(sender, second, transport.CauseNetworkOutOfOrder)
		return fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	a.detach(threeway.Device, threeway)
	a.detach(second.Device, second)
	threeway.Device.SetSoftkeyInUse(threeway.Slot, false)
	second.Device.SetSoftkeyInUse(second.Slot, false)
	if sender != nil {
		a.setSlotIcon(sender, threeway.Slot, unistim.IconOnHook)
		a.setSlotIcon(sender, second.Slot, unistim.IconOnHook)
	}
	a.log.Infof("transfer completed between %s and %s", threeway.ID, second.ID)
	return nil
}

// StartMedia queries the RTP engine for addresses and the codec payload
// code, then pushes the audio-open message(s) for the configured method. A
// bind failure abandons only this attempt.
func (a *Adapter) StartMedia(sender Sender, sub *Subchannel) error {
	if sender == nil {
		return ErrNoSender
	}
	if sub.Media == nil {
		inst, err := a.newMedia()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMediaDeclined, err)
		}
		sub.Media = inst
	}

	codecName := sub.Device.Codec
	if codecName == "" {
		codecName = "ulaw"
	}
	code, err := rtp.PayloadCode(codecName)
	if err != nil {
		sub.Media.Close()
		sub.Media = nil
		return err
	}

	peer := sender.Peer()
	sub.Media.SetRemoteAddr(&net.UDPAddr{IP: peer.IP, Port: int(a.cfg.PhoneRTPPort)})

	local := sub.Media.LocalRTPAddr()
	plan := mediaPlan{
		codec:      code,
		phoneRTP:   a.cfg.PhoneRTPPort,
		phoneRTCP:  a.cfg.PhoneRTPPort + 1,
		serverRTP:  uint16(local.Port),
		serverRTCP: uint16(sub.Media.LocalRTCPAddr().Port),
		serverIP:   localMediaIP(local, peer),
		frames:     a.cfg.Frames,
	}
	payloads, err := buildAudioOpen(a.cfg.Method, plan)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := sender.Send(p); err != nil {
			return err
		}
	}
	a.log.Debugf("audio open (%d msgs) for %s: codec %d, server %v", len(payloads), sub.ID, code, local)
	return nil
}

// SendDTMF queues the digit to the PBX channel and sounds the tone on the
// phone. The inline sleep bounds the tone duration; cancellation during
// this window is not supported.
func (a *Adapter) SendDTMF(sender Sender, sub *Subchannel, digit byte) error {
	if sub.Channel != nil {
		if err := sub.Channel.QueueDTMF(digit); err != nil {
			return err
		}
	}
	tone := unistim.LayoutToneOn.New()
	tone.SetByte("tone", unistim.ToneDTMF)
	tone.SetUint16("freq", dtmfFreq(digit))
	if err := sender.Send(tone.Bytes()); err != nil {
		return err
	}
	time.Sleep(a.cfg.DTMFDuration)
	return sender.Send(unistim.LayoutToneOff.New().Bytes())
}

func (a *Adapter) attach(dev *registry.Device, sub *Subchannel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[dev] = append(a.subs[dev], sub)
}

func (a *Adapter) detach(dev *registry.Device, sub *Subchannel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.subs[dev]
	for i, cur := range list {
		if cur == sub {
			a.subs[dev] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.subs[dev]) == 0 {
		delete(a.subs, dev)
	}
}

func (a *Adapter) holdLeg(sender Sender, sub *Subchannel) {
	a.mu.Lock()
	sub.Role = SubHeld
	a.mu.Unlock()
	if sub.Channel != nil {
		sub.Channel.SetHold(true)
	}
	if sub.Media != nil {
		sub.Media.Close()
		sub.Media = nil
		if sender != nil {
			_ = sender.Send(unistim.LayoutAudioClose.New().Bytes())
		}
	}
	if sender != nil {
		a.setSlotIcon(sender, sub.Slot, unistim.IconHold)
	}
}

func (a *Adapter) setSlotIcon(sender Sender, slot int, icon byte) {
	if sender == nil {
		return
	}
	m := unistim.LayoutSoftkeyIcon.New()
	m.SetByte("slot", byte(slot))
	m.SetByte("icon", icon)
	if err := sender.Send(m.Bytes()); err != nil {
		a.log.Debugf("icon update failed: %v", err)
	}
}

// fanOutIcon pushes an icon change to every device bookmarking dev.
func (a *Adapter) fanOutIcon(dev *registry.Device, icon byte) {
	for _, ref := range a.reg.UpdateBookmarkIcon(dev, icon) {
		snd, ok := ref.Device.Session().(Sender)
		if !ok {
			continue
		}
		a.setSlotIcon(snd, ref.Slot, icon)
	}
}

func dtmfFreq(digit byte) uint16 {
	// Row frequency only; the terminal synthesizes the full pair.
	switch digit {
	case '1', '2', '3':
		return 697
	case '4', '5', '6':
		return 770
	case '7', '8', '9':
		return 852
	default:
		return 941
	}
}

// localMediaIP picks the address the phone should send media to. When the
// instance is bound to the wildcard address, fall back to the interface
// facing the peer.
func localMediaIP(local *net.UDPAddr, peer *net.UDPAddr) net.IP {
	if local.IP != nil && !local.IP.IsUnspecified() {
		return local.IP
	}
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
