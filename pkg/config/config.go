// Package config loads the unistim.conf-shaped ini file: one [general]
// section with server tunables and one section per configured device.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/log"
	"gopkg.in/ini.v1"

	"github.com/cloudwebrtc/go-unistim/pkg/bridge"
	"github.com/cloudwebrtc/go-unistim/pkg/registry"
	"github.com/cloudwebrtc/go-unistim/pkg/transport"
)

// Config is the parsed configuration file.
type Config struct {
	ListenAddr string

	KeepAlive  time.Duration
	Retransmit time.Duration

	Provision registry.ProvisionMode

	RTPMethod    bridge.RTPMethod
	RTPPortStart int
	RTPPortEnd   int
	PhoneRTPPort uint16

	DialTimeout time.Duration
	HistoryDir  string
	DateFormat  byte

	Devices []DeviceConfig
}

// DeviceConfig is one per-device section.
type DeviceConfig struct {
	Name           string
	MAC            string
	TN             string
	Lines          []LineConfig
	Bookmarks      []BookmarkConfig
	RingStyle      byte
	RingVolume     byte
	Codec          string
	History        bool
	OneLineDisplay bool
	Template       bool
}

type LineConfig struct {
	Extension string
	Label     string
}

type BookmarkConfig struct {
	Slot    int
	Label   string
	Number  string
	Monitor string // name of the monitored device, optional
}

func defaults() *Config {
	return &Config{
		ListenAddr:   "0.0.0.0:5000",
		KeepAlive:    10 * time.Second,
		Retransmit:   2 * time.Second,
		Provision:    registry.ProvisionDeny,
		RTPMethod:    bridge.MethodLegacy,
		RTPPortStart: 30000,
		RTPPortEnd:   65530,
		PhoneRTPPort: 5200,
		DialTimeout:  4 * time.Second,
		HistoryDir:   "/var/lib/unistim",
	}
}

// Load parses the configuration file. Repeated line and bookmark keys are
// allowed within a device section.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	c := defaults()
	gen := file.Section("general")
	c.ListenAddr = gen.Key("listen").MustString(c.ListenAddr)
	c.KeepAlive = gen.Key("keepalive").MustDuration(c.KeepAlive)
	c.Retransmit = gen.Key("retransmit").MustDuration(c.Retransmit)
	c.RTPPortStart = gen.Key("rtp_port_start").MustInt(c.RTPPortStart)
	c.RTPPortEnd = gen.Key("rtp_port_end").MustInt(c.RTPPortEnd)
	c.PhoneRTPPort = uint16(gen.Key("phone_rtp_port").MustInt(int(c.PhoneRTPPort)))
	c.DialTimeout = gen.Key("dial_timeout").MustDuration(c.DialTimeout)
	c.HistoryDir = gen.Key("history_dir").MustString(c.HistoryDir)
	c.DateFormat = byte(gen.Key("date_format").MustInt(0))

	if c.Provision, err = parseProvision(gen.Key("autoprovisioning").MustString("no")); err != nil {
		return nil, err
	}
	if c.RTPMethod, err = parseRTPMethod(gen.Key("rtp_method").MustInt(0)); err != nil {
		return nil, err
	}

	for _, sec := range file.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "general" {
			continue
		}
		dev, err := parseDevice(name, sec)
		if err != nil {
			return nil, err
		}
		c.Devices = append(c.Devices, dev)
	}
	return c, nil
}

func parseProvision(s string) (registry.ProvisionMode, error) {
	switch strings.ToLower(s) {
	case "no", "off", "false":
		return registry.ProvisionDeny, nil
	case "yes", "on", "true":
		return registry.ProvisionTemplate, nil
	case "tn":
		return registry.ProvisionTN, nil
	}
	return 0, fmt.Errorf("bad autoprovisioning value %q", s)
}

func parseRTPMethod(n int) (bridge.RTPMethod, error) {
	switch n {
	case 0:
		return bridge.MethodLegacy, nil
	case 1:
		return bridge.MethodCombined, nil
	case 2:
		return bridge.MethodSplit, nil
	}
	return 0, fmt.Errorf("bad rtp_method %d", n)
}

func parseDevice(name string, sec *ini.Section) (DeviceConfig, error) {
	dev := DeviceConfig{
		Name:       name,
		MAC:        sec.Key("device").String(),
		TN:         sec.Key("tn").String(),
		RingStyle:  byte(sec.Key("ring_style").MustInt(0)),
		RingVolume: byte(sec.Key("ring_volume").MustInt(2)),
		Codec:      sec.Key("codec").MustString("ulaw"),
		History:    sec.Key("history").MustBool(true),
		Template:   sec.Key("template").MustBool(false),

		OneLineDisplay: sec.Key("one_line_display").MustBool(false),
	}
	if dev.MAC != "" {
		if _, err := net.ParseMAC(dev.MAC); err != nil {
			return dev, fmt.Errorf("device %s: %w", name, err)
		}
	}

	for _, v := range sec.Key("line").ValueWithShadows() {
		ext, label, _ := strings.Cut(v, ",")
		if ext = strings.TrimSpace(ext); ext == "" {
			return dev, fmt.Errorf("device %s: empty line entry", name)
		}
		dev.Lines = append(dev.Lines, LineConfig{Extension: ext, Label: strings.TrimSpace(label)})
	}

	for _, v := range sec.Key("bookmark").ValueWithShadows() {
		bm, err := parseBookmark(v)
		if err != nil {
			return dev, fmt.Errorf("device %s: %w", name, err)
		}
		dev.Bookmarks = append(dev.Bookmarks, bm)
	}
	return dev, nil
}

// parseBookmark reads "slot,label,number[,monitored-device]".
func parseBookmark(v string) (BookmarkConfig, error) {
	parts := strings.Split(v, ",")
	if len(parts) < 3 {
		return BookmarkConfig{}, fmt.Errorf("bad bookmark %q", v)
	}
	slot, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || slot < 0 || slot >= registry.FavNum {
		return BookmarkConfig{}, fmt.Errorf("bad bookmark slot in %q", v)
	}
	bm := BookmarkConfig{
		Slot:   slot,
		Label:  strings.TrimSpace(parts[1]),
		Number: strings.TrimSpace(parts[2]),
	}
	if len(parts) > 3 {
		bm.Monitor = strings.TrimSpace(parts[3])
	}
	return bm, nil
}

// Populate builds the configured devices into the registry. Bookmarks are
// wired in a second pass so monitors can reference devices in any order.
func (c *Config) Populate(reg *registry.Registry, logger log.Logger) error {
	for _, dc := range c.Devices {
		dev, err := buildDevice(dc)
		if err != nil {
			return err
		}
		if err := reg.Add(dev); err != nil {
			return err
		}
	}
	return c.wireBookmarks(reg, logger)
}

func buildDevice(dc DeviceConfig) (*registry.Device, error) {
	dev := &registry.Device{
		Name:           dc.Name,
		TN:             dc.TN,
		RingStyle:      dc.RingStyle,
		RingVolume:     dc.RingVolume,
		Codec:          dc.Codec,
		DefaultCodec:   dc.Codec,
		HistoryEnabled: dc.History,
		OneLineDisplay: dc.OneLineDisplay,
		Template:       dc.Template,
		ReceiverOnHook: true,
	}
	if dc.MAC != "" {
		mac, err := net.ParseMAC(dc.MAC)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		dev.MAC = mac
	}
	for _, lc := range dc.Lines {
		label := lc.Label
		if label == "" {
			label = lc.Extension
		}
		dev.AttachLine(lc.Extension, label)
	}
	return dev, nil
}

func (c *Config) wireBookmarks(reg *registry.Registry, logger log.Logger) error {
	for _, dc := range c.Devices {
		dev := reg.FindByName(dc.Name)
		if dev == nil {
			continue
		}
		for _, bm := range dc.Bookmarks {
			var monitor *registry.Device
			if bm.Monitor != "" {
				if monitor = reg.FindByName(bm.Monitor); monitor == nil {
					logger.Warnf("device %s: bookmark monitors unknown device %s", dc.Name, bm.Monitor)
				}
			}
			if err := dev.SetBookmark(bm.Slot, bm.Label, bm.Number, monitor); err != nil {
				return fmt.Errorf("device %s: %w", dc.Name, err)
			}
		}
	}
	return nil
}

// Reload applies a freshly parsed configuration to a live registry:
// existing devices are updated in place, new ones added, and devices gone
// from the file are swept unless a call still holds them.
func (c *Config) Reload(reg *registry.Registry, heldByCall func(*registry.Device) bool, logger log.Logger) error {
	reg.MarkAllForDeletion()

	for _, dc := range c.Devices {
		if dev := reg.FindByName(dc.Name); dev != nil {
			updateDevice(dev, dc)
			continue
		}
		dev, err := buildDevice(dc)
		if err != nil {
			return err
		}
		if err := reg.Add(dev); err != nil {
			return err
		}
	}
	if err := c.wireBookmarks(reg, logger); err != nil {
		return err
	}

	removed := reg.SweepDeleted(transport.CauseNormalClearing, heldByCall)
	if removed > 0 {
		logger.Infof("reload removed %d devices", removed)
	}
	return nil
}

// updateDevice refreshes the configurable settings of a live device without
// touching its transient call state or bound session.
func updateDevice(dev *registry.Device, dc DeviceConfig) {
	dev.Lock()
	dev.MarkedForDeletion = false
	dev.RingStyle = dc.RingStyle
	dev.RingVolume = dc.RingVolume
	dev.DefaultCodec = dc.Codec
	dev.HistoryEnabled = dc.History
	dev.OneLineDisplay = dc.OneLineDisplay
	dev.Template = dc.Template
	dev.Unlock()

	for _, lc := range dc.Lines {
		if dev.LineByName(lc.Extension) == nil {
			label := lc.Label
			if label == "" {
				label = lc.Extension
			}
			dev.AttachLine(lc.Extension, label)
		}
	}
}
