package bridge

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloudwebrtc/go-unistim/pkg/registry"
)

// Role tags one concurrent call leg on a line.
type Role int

const (
	// SubReal is the leg the handset audio is connected to. At most one
	// per device at any instant.
	SubReal Role = iota
	SubRinging
	SubHeld
	SubThreeway
)

func (r Role) String() string {
	switch r {
	case SubReal:
		return "real"
	case SubRinging:
		return "ringing"
	case SubHeld:
		return "held"
	case SubThreeway:
		return "threeway"
	}
	return "unknown"
}

// Subchannel is one call leg on a Line: created when the leg is established
// (incoming ring, outgoing dial or transfer split), destroyed when it ends.
type Subchannel struct {
	ID     string
	Role   Role
	Line   *registry.Line
	Device *registry.Device
	Slot   int // softkey slot carrying this leg

	Channel Channel
	Media   MediaInstance

	Exten      string
	CallerNum  string
	CallerName string
	Started    time.Time
}

func newSubchannel(dev *registry.Device, line *registry.Line, slot int, role Role) *Subchannel {
	return &Subchannel{
		ID:      uuid.New().String(),
		Role:    role,
		Line:    line,
		Device:  dev,
		Slot:    slot,
		Started: time.Now(),
	}
}
