package registry

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ghettovoice/gosip/log"
)

var (
	ErrUnknownDevice  = errors.New("no device configured for this identity")
	ErrNoTemplate     = errors.New("auto-provisioning requested but no template device")
	ErrNoFreeSoftkey  = errors.New("no available softkey")
	ErrBadSoftkeySlot = errors.New("softkey slot out of range")
	ErrSlotIsLine     = errors.New("softkey slot is bound to a line")
	ErrDeviceExists   = errors.New("device already registered")
)

// ProvisionMode selects what happens when an unknown MAC registers.
type ProvisionMode int

const (
	// ProvisionDeny refuses unknown terminals.
	ProvisionDeny ProvisionMode = iota
	// ProvisionTemplate clones the template device for unknown terminals.
	ProvisionTemplate
	// ProvisionTN defers to the terminal-number entry flow.
	ProvisionTN
)

// BookmarkRef points at one softkey slot of one device, for icon fan-out.
type BookmarkRef struct {
	Device *Device
	Slot   int
}

// Registry owns the configured device set. Lookup is a linear scan, the
// device population is small.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
	mode    ProvisionMode
	log     log.Logger
}

func NewRegistry(mode ProvisionMode, logger log.Logger) *Registry {
	return &Registry{
		mode: mode,
		log:  logger.WithPrefix("Registry"),
	}
}

// Add inserts a configured device.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, exist := range r.devices {
		if exist.Name == d.Name {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.Name)
		}
	}
	r.devices = append(r.devices, d)
	return nil
}

// Devices returns a snapshot of the device list.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// FindByName returns the device with the given section name, or nil.
func (r *Registry) FindByName(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// FindByMAC returns the device with the given hardware address, or nil.
func (r *Registry) FindByMAC(mac net.HardwareAddr) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByMACLocked(mac)
}

func (r *Registry) findByMACLocked(mac net.HardwareAddr) *Device {
	for _, d := range r.devices {
		if len(d.MAC) > 0 && bytes.Equal(d.MAC, mac) && !d.Template {
			return d
		}
	}
	return nil
}

// Register binds a live conversation to the device owning mac. On a miss the
// outcome depends on the provisioning mode: deny, clone the template device,
// or defer to the terminal-number entry flow run by the caller.
func (r *Registry) Register(b Binding, mac net.HardwareAddr) (*Device, error) {
	r.mu.Lock()
	d := r.findByMACLocked(mac)
	mode := r.mode
	r.mu.Unlock()

	if d != nil {
		d.BindSession(b)
		r.log.Infof("device %s registered from %v", d.Name, b.Peer())
		return d, nil
	}

	switch mode {
	case ProvisionTemplate:
		clone, err := r.cloneTemplate(mac)
		if err != nil {
			return nil, err
		}
		clone.BindSession(b)
		r.log.Infof("auto-provisioned device %s for %v", clone.Name, mac)
		return clone, nil
	case ProvisionTN:
		return nil, ErrUnknownDevice
	default:
		r.log.Warnf("registration denied for unknown MAC %v", mac)
		return nil, ErrUnknownDevice
	}
}

// RegisterTN resolves a terminal number entered by the operator against a
// pre-provisioned placeholder device and assigns the MAC to it.
func (r *Registry) RegisterTN(b Binding, tn string, mac net.HardwareAddr) (*Device, error) {
	r.mu.Lock()
	var found *Device
	for _, d := range r.devices {
		if d.TN == tn && !d.Template {
			found = d
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return nil, fmt.Errorf("%w: terminal number %q", ErrUnknownDevice, tn)
	}
	found.Lock()
	found.MAC = mac
	found.Unlock()
	found.BindSession(b)
	r.log.Infof("device %s claimed by terminal number %s", found.Name, tn)
	return found, nil
}

// Mode returns the provisioning mode.
func (r *Registry) Mode() ProvisionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// cloneTemplate duplicates the template device under the new MAC identity,
// duplicating its line set with incremented numbering.
func (r *Registry) cloneTemplate(mac net.HardwareAddr) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tpl *Device
	clones := 0
	for _, d := range r.devices {
		if d.Template && tpl == nil {
			tpl = d
		}
		if d.clonedFrom != nil {
			clones++
		}
	}
	if tpl == nil {
		return nil, ErrNoTemplate
	}

	clone := &Device{
		Name:           fmt.Sprintf("%s-%s", tpl.Name, macSuffix(mac)),
		MAC:            mac,
		OneLineDisplay: tpl.OneLineDisplay,
		HistoryEnabled: tpl.HistoryEnabled,
		RingStyle:      tpl.RingStyle,
		RingVolume:     tpl.RingVolume,
		Codec:          tpl.DefaultCodec,
		DefaultCodec:   tpl.DefaultCodec,
		clonedFrom:     tpl,
	}
	for _, l := range tpl.Lines {
		clone.AttachLine(incrementExtension(l.Name, clones+1), l.Label)
	}
	r.devices = append(r.devices, clone)
	return clone, nil
}

// UpdateBookmarkIcon collects every softkey slot of every other device that
// bookmarks target. The caller pushes the icon change to each of them.
func (r *Registry) UpdateBookmarkIcon(target *Device, icon byte) []BookmarkRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	var refs []BookmarkRef
	for _, d := range r.devices {
		if d == target {
			continue
		}
		for i := range d.Softkeys {
			if d.Softkeys[i].Monitor == target {
				d.Softkeys[i].Icon = icon
				refs = append(refs, BookmarkRef{Device: d, Slot: i})
			}
		}
	}
	return refs
}

// MarkAllForDeletion flags every device ahead of a reload; devices re-created
// from the new configuration clear the flag.
func (r *Registry) MarkAllForDeletion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		d.MarkedForDeletion = true
	}
}

// SweepDeleted removes devices still marked after a reload, skipping any a
// live call holds. A swept device's live conversation is closed with cause,
// forcing the phone back through registration; closes happen outside the
// registry lock because teardown re-enters it.
func (r *Registry) SweepDeleted(cause int, heldByCall func(*Device) bool) int {
	r.mu.Lock()
	kept := r.devices[:0]
	removed := 0
	var orphaned []Binding
	for _, d := range r.devices {
		if d.MarkedForDeletion && (heldByCall == nil || !heldByCall(d)) {
			if s := d.Session(); s != nil {
				d.UnbindSession(s)
				orphaned = append(orphaned, s)
			}
			removed++
			continue
		}
		kept = append(kept, d)
	}
	r.devices = kept
	r.mu.Unlock()

	for _, s := range orphaned {
		s.Close(cause)
	}
	return removed
}

func macSuffix(mac net.HardwareAddr) string {
	s := mac.String()
	if len(s) >= 8 {
		s = s[len(s)-8:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// incrementExtension derives a clone's extension from the template's by
// adding n, keeping the original width. Non-numeric extensions get a numeric
// suffix instead.
func incrementExtension(ext string, n int) string {
	var num int
	if _, err := fmt.Sscanf(ext, "%d", &num); err != nil {
		return fmt.Sprintf("%s%d", ext, n)
	}
	return fmt.Sprintf("%0*d", len(ext), num+n)
}
