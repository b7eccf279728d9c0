package registry

import (
	"net"
	"sync"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// FavNum is the number of programmable softkey slots on a terminal.
const FavNum = 6

// Binding is the live transport conversation currently attached to a Device.
// A Device need not have one.
type Binding interface {
	Peer() *net.UDPAddr
	Close(cause int)
}

// Softkey is one of the 6 programmable slots. A slot is either a line slot
// (bound 1:1 to one of the device's own lines) or a favorite/bookmark slot (a
// dialable number, optionally monitoring another device) - never both.
type Softkey struct {
	Label   string
	Number  string // dialable number, favorites only
	Icon    byte
	Line    *Line   // line slots only
	Monitor *Device // favorites monitoring a peer device
	InUse   bool    // a call leg currently occupies this slot
}

func (sk *Softkey) IsLine() bool     { return sk.Line != nil }
func (sk *Softkey) IsFavorite() bool { return sk.Line == nil && sk.Number != "" }
func (sk *Softkey) IsEmpty() bool    { return sk.Line == nil && sk.Number == "" }

// Line is a dialable identity (extension) hosted on a Device.
type Line struct {
	Name   string // the extension
	Label  string
	Device *Device
}

func (l *Line) String() string {
	if l == nil {
		return "<nil>"
	}
	return l.Name
}

// Device is a configured or auto-provisioned persistent phone identity,
// independent of any live connection.
type Device struct {
	mu sync.Mutex

	Name string
	MAC  net.HardwareAddr
	TN   string // terminal number, pre-provisioned placeholders only

	Lines    []*Line
	Softkeys [FavNum]Softkey

	// SelectedSoftkey is the slot the user last navigated to; softkey
	// allocation honors it as a hint.
	SelectedSoftkey int

	// OneLineDisplay hides the upper softkey slots on small terminals.
	OneLineDisplay bool

	HistoryEnabled bool
	RingStyle      byte
	RingVolume     byte
	Codec          string
	DefaultCodec   string

	MissedCalls    int
	ReceiverOnHook bool

	Template          bool // clone source for auto-provisioning
	MarkedForDeletion bool

	session    Binding
	clonedFrom *Device
}

// Lock and Unlock expose the per-device mutex; callers touching shared device
// state from call-control threads must hold it. The teardown lock order is
// registry, then device, then subchannel list.
func (d *Device) Lock()   { d.mu.Lock() }
func (d *Device) Unlock() { d.mu.Unlock() }

// BindSession attaches the live conversation and resets transient call state.
func (d *Device) BindSession(b Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = b
	d.Codec = d.DefaultCodec
	d.MissedCalls = 0
	d.ReceiverOnHook = true
}

// UnbindSession detaches the live conversation, if this binding still owns it.
func (d *Device) UnbindSession(b Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == b {
		d.session = nil
	}
}

// Session returns the currently bound conversation, or nil.
func (d *Device) Session() Binding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// LineByName returns the device line with the given extension, or nil.
func (d *Device) LineByName(name string) *Line {
	for _, l := range d.Lines {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// visibleSlots returns how many softkey slots the terminal can show.
func (d *Device) visibleSlots() int {
	if d.OneLineDisplay {
		return FavNum / 2
	}
	return FavNum
}

// FindAvailableSoftkey scans the softkey table for a line slot free to carry
// a new call leg. The currently selected slot is preferred when it
// qualifies. lineName restricts the scan to slots of that line; empty means
// any line slot. Returns the slot index, or ErrNoFreeSoftkey when the table
// is fully occupied - the scan never wraps past the visible slots.
func (d *Device) FindAvailableSoftkey(lineName string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qualifies := func(i int) bool {
		sk := &d.Softkeys[i]
		if !sk.IsLine() || sk.InUse {
			return false
		}
		return lineName == "" || sk.Line.Name == lineName
	}

	if s := d.SelectedSoftkey; s >= 0 && s < d.visibleSlots() && qualifies(s) {
		return s, nil
	}
	for i := 0; i < d.visibleSlots(); i++ {
		if qualifies(i) {
			return i, nil
		}
	}
	return -1, ErrNoFreeSoftkey
}

// SetSoftkeyInUse marks or clears call-leg occupancy of a slot.
func (d *Device) SetSoftkeyInUse(slot int, inUse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slot >= 0 && slot < FavNum {
		d.Softkeys[slot].InUse = inUse
	}
}

// AttachLine appends a line and gives it a line softkey slot when one is
// still empty.
func (d *Device) AttachLine(name, label string) *Line {
	l := &Line{Name: name, Label: label, Device: d}
	d.Lines = append(d.Lines, l)
	for i := range d.Softkeys {
		if d.Softkeys[i].IsEmpty() {
			d.Softkeys[i] = Softkey{Label: label, Line: l, Icon: unistim.IconOnHook}
			break
		}
	}
	return l
}

// SetBookmark programs a favorite slot. A slot already bound to a line is
// refused, preserving the line-or-favorite invariant.
func (d *Device) SetBookmark(slot int, label, number string, monitor *Device) error {
	if slot < 0 || slot >= FavNum {
		return ErrBadSoftkeySlot
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Softkeys[slot].IsLine() {
		return ErrSlotIsLine
	}
	d.Softkeys[slot] = Softkey{Label: label, Number: number, Monitor: monitor, Icon: unistim.IconBookmark}
	return nil
}
