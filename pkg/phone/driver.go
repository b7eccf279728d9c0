package phone

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"

	"github.com/cloudwebrtc/go-unistim/pkg/bridge"
	"github.com/cloudwebrtc/go-unistim/pkg/registry"
	"github.com/cloudwebrtc/go-unistim/pkg/transport"
	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// Config tunes the UI driver.
type Config struct {
	// DialTimeout is the inter-digit timer arming an automatic dial.
	DialTimeout time.Duration
	// HistoryDir holds the per-device call-history files.
	HistoryDir string
	// DateFormat is the terminal's clock rendering selector.
	DateFormat byte
}

func (c *Config) fillDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 4 * time.Second
	}
	if c.HistoryDir == "" {
		c.HistoryDir = "."
	}
}

// Driver owns one Phone per live session and implements the transport
// handler contract. All transport callbacks run on the monitor goroutine;
// the PBX-facing calls (Ring, CancelRing) run on PBX threads and take the
// per-phone lock.
type Driver struct {
	cfg Config
	reg *registry.Registry
	br  *bridge.Adapter

	mu     sync.Mutex
	phones map[*transport.Session]*Phone

	now func() time.Time
	log log.Logger
}

func NewDriver(cfg Config, reg *registry.Registry, br *bridge.Adapter, logger log.Logger) *Driver {
	cfg.fillDefaults()
	return &Driver{
		cfg:    cfg,
		reg:    reg,
		br:     br,
		phones: make(map[*transport.Session]*Phone),
		now:    time.Now,
		log:    logger.WithPrefix("Driver"),
	}
}

func (d *Driver) OnSessionUp(s *transport.Session) {
	p := newPhone(d, s)
	d.mu.Lock()
	d.phones[s] = p
	d.mu.Unlock()

	p.sendDateTime(d.now())
	p.statusText("Waiting for terminal")
	d.log.Infof("terminal %v connected", s.Peer())
}

func (d *Driver) OnSessionDown(s *transport.Session, cause int) {
	d.mu.Lock()
	p := d.phones[s]
	delete(d.phones, s)
	d.mu.Unlock()

	if dev := s.Device(); dev != nil {
		d.br.HangupAll(dev, cause)
	}
	if p != nil {
		p.mu.Lock()
		p.event(evShutdown)
		p.mu.Unlock()
	}
	d.log.Infof("terminal %v gone (cause %d)", s.Peer(), cause)
}

func (d *Driver) OnMessage(s *transport.Session, payload []byte) {
	p := d.phone(s)
	if p == nil {
		return
	}
	op, err := unistim.Identify(payload)
	if err != nil {
		d.log.Debugf("unrecognized payload from %v: %v", s.Peer(), err)
		return
	}

	// A denied terminal only gets out of AUTHDENY by reporting its MAC
	// again after a configuration change.
	if s.State() == transport.StateAuthDeny && op != unistim.OpMACAddress {
		return
	}

	switch op {
	case unistim.OpMACAddress:
		d.register(p, unistim.MACOf(payload))
	case unistim.OpFirmwareVersion:
		d.log.Infof("terminal %v firmware %s", s.Peer(), unistim.FirmwareOf(payload))
	case unistim.OpEquipmentType:
		d.equipment(p, unistim.EquipmentOf(payload))
	case unistim.OpKeyPress:
		p.handleKey(unistim.KeyOf(payload))
	case unistim.OpPickup:
		p.offHook()
	case unistim.OpHangup:
		p.onHook()
	case unistim.OpResumeConnection:
		d.log.Infof("terminal %v resumed", s.Peer())
	}
}

func (d *Driver) phone(s *transport.Session) *Phone {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phones[s]
}

// Phones returns the number of live terminals, for the console.
func (d *Driver) Phones() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.phones)
}

func (d *Driver) register(p *Phone, mac net.HardwareAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.macAddr = mac

	dev, err := d.reg.Register(p.sess, mac)
	switch {
	case err == nil:
		p.sess.SetDevice(dev)
		d.finishRegistration(p, dev)
	case errors.Is(err, registry.ErrUnknownDevice) && d.reg.Mode() == registry.ProvisionTN:
		p.event(evAskExtension)
	default:
		d.log.Warnf("registration of %s refused: %v", mac, err)
		p.event(evDeny)
	}
}

// finishRegistration runs with the phone lock held, from the MAC report or
// the terminal-number entry flow.
func (d *Driver) finishRegistration(p *Phone, dev *registry.Device) {
	p.sendDateTime(d.now())
	p.event(evGrant)
	d.log.Infof("device %s registered from %v", dev.Name, p.sess.Peer())
}

func (d *Driver) equipment(p *Phone, model byte) {
	d.log.Infof("terminal %v equipment type 0x%02x", p.sess.Peer(), model)
	// Small-display models hide half of the softkey table.
	if dev := p.sess.Device(); dev != nil && model == unistim.EquipmentOneLine {
		dev.Lock()
		dev.OneLineDisplay = true
		dev.Unlock()
	}
}

// Ring presents an incoming call on the device. The PBX calls it from its
// own thread once a channel targets one of the device's lines.
func (d *Driver) Ring(dev *registry.Device, line *registry.Line, callerNum, callerName string) (*bridge.Subchannel, error) {
	sess, ok := dev.Session().(*transport.Session)
	if !ok || sess == nil {
		return nil, registry.ErrUnknownDevice
	}
	p := d.phone(sess)
	if p == nil {
		return nil, registry.ErrUnknownDevice
	}

	sub, err := d.br.RingIn(dev, line, callerNum, callerName)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.caller = HistoryEntry{
		When:   d.now().Format("02/01 15:04"),
		Number: callerNum,
		Name:   callerName,
	}
	p.recordCall(DirIncoming, p.caller)
	p.event(evIncoming)
	p.mu.Unlock()
	return sub, nil
}

// CancelRing withdraws an unanswered incoming call, counting it missed.
func (d *Driver) CancelRing(dev *registry.Device) {
	sess, _ := dev.Session().(*transport.Session)
	if sess == nil {
		return
	}
	p := d.phone(sess)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub := d.br.FindByRole(dev, bridge.SubRinging); sub != nil {
		d.br.Hangup(p.sess, sub, transport.CauseNormalClearing)
	}
	dev.Lock()
	dev.MissedCalls++
	dev.Unlock()
	p.ringOff()
	p.event(evIdle)
}

func (p *Phone) offHook() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dev := p.sess.Device(); dev != nil {
		dev.Lock()
		dev.ReceiverOnHook = false
		dev.Unlock()
	}
	switch p.sess.State() {
	case transport.StateRinging:
		p.answer()
	case transport.StateMainPage:
		p.event(evOffhook)
	}
}

func (p *Phone) onHook() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dev := p.sess.Device(); dev != nil {
		dev.Lock()
		dev.ReceiverOnHook = true
		dev.Unlock()
	}
	switch p.sess.State() {
	case transport.StateCall:
		p.hangupCurrent(transport.CauseNormalClearing)
	case transport.StateDialPage, transport.StateRinging:
		p.event(evIdle)
	}
}
