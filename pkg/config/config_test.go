package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/go-unistim/pkg/bridge"
	"github.com/cloudwebrtc/go-unistim/pkg/registry"
	"github.com/cloudwebrtc/go-unistim/pkg/transport"
	"github.com/cloudwebrtc/go-unistim/pkg/utils"
)

type fakeBinding struct {
	peer   *net.UDPAddr
	closed int
}

func (f *fakeBinding) Peer() *net.UDPAddr { return f.peer }
func (f *fakeBinding) Close(cause int)    { f.closed = cause }

const sampleConf = `
[general]
listen = 127.0.0.1:5000
retransmit = 3s
autoprovisioning = tn
rtp_method = 2
phone_rtp_port = 5300
history_dir = /tmp/hist

[phone1]
device = 00:1e:ca:00:00:01
line = 100, Reception
line = 101
bookmark = 2, Boss, 200, phone2
codec = g729
ring_volume = 3

[phone2]
device = 00:1e:ca:00:00:02
line = 200
history = no
`

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unistim.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testLogger() log.Logger {
	return utils.NewLogrusLogger(log.ErrorLevel, "config_test", nil)
}

func TestLoadGeneral(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", c.ListenAddr)
	assert.Equal(t, 3*time.Second, c.Retransmit)
	assert.Equal(t, 10*time.Second, c.KeepAlive) // default kept
	assert.Equal(t, registry.ProvisionTN, c.Provision)
	assert.Equal(t, bridge.MethodSplit, c.RTPMethod)
	assert.Equal(t, uint16(5300), c.PhoneRTPPort)
	assert.Equal(t, "/tmp/hist", c.HistoryDir)
}

func TestLoadDevices(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)
	require.Len(t, c.Devices, 2)

	d := c.Devices[0]
	assert.Equal(t, "phone1", d.Name)
	assert.Equal(t, "00:1e:ca:00:00:01", d.MAC)
	require.Len(t, d.Lines, 2)
	assert.Equal(t, LineConfig{Extension: "100", Label: "Reception"}, d.Lines[0])
	assert.Equal(t, LineConfig{Extension: "101"}, d.Lines[1])
	require.Len(t, d.Bookmarks, 1)
	assert.Equal(t, BookmarkConfig{Slot: 2, Label: "Boss", Number: "200", Monitor: "phone2"}, d.Bookmarks[0])
	assert.Equal(t, "g729", d.Codec)
	assert.Equal(t, byte(3), d.RingVolume)

	assert.False(t, c.Devices[1].History)
}

func TestLoadRejectsBadMAC(t *testing.T) {
	_, err := Load(writeConf(t, "[phone1]\ndevice = not-a-mac\n"))
	assert.Error(t, err)
}

func TestLoadRejectsBadBookmarkSlot(t *testing.T) {
	_, err := Load(writeConf(t, "[phone1]\nbookmark = 9, Boss, 200\n"))
	assert.Error(t, err)
}

func TestPopulateWiresBookmarkMonitors(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	reg := registry.NewRegistry(c.Provision, testLogger())
	require.NoError(t, c.Populate(reg, testLogger()))

	p1 := reg.FindByName("phone1")
	require.NotNil(t, p1)
	assert.NotNil(t, p1.LineByName("100"))
	sk := p1.Softkeys[2]
	assert.True(t, sk.IsFavorite())
	assert.Equal(t, "200", sk.Number)
	assert.Same(t, reg.FindByName("phone2"), sk.Monitor)
}

func TestReloadUpdatesAndSweeps(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)
	reg := registry.NewRegistry(c.Provision, testLogger())
	require.NoError(t, c.Populate(reg, testLogger()))

	// phone2 is registered and idle when the reload drops it.
	p2 := reg.FindByName("phone2")
	require.NotNil(t, p2)
	b := &fakeBinding{peer: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}}
	p2.BindSession(b)

	// phone2 disappears, phone1 changes volume, phone3 is new.
	next, err := Load(writeConf(t, `
[phone1]
device = 00:1e:ca:00:00:01
line = 100
ring_volume = 5

[phone3]
device = 00:1e:ca:00:00:03
line = 300
`))
	require.NoError(t, err)

	held := func(*registry.Device) bool { return false }
	require.NoError(t, next.Reload(reg, held, testLogger()))

	assert.Nil(t, reg.FindByName("phone2"))
	assert.NotNil(t, reg.FindByName("phone3"))
	p1 := reg.FindByName("phone1")
	require.NotNil(t, p1)
	assert.Equal(t, byte(5), p1.RingVolume)
	assert.False(t, p1.MarkedForDeletion)

	// The dropped device's session is not left driving a swept entity.
	assert.Nil(t, p2.Session())
	assert.Equal(t, transport.CauseNormalClearing, b.closed)
}

func TestReloadKeepsDeviceHeldByCall(t *testing.T) {
	c, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)
	reg := registry.NewRegistry(c.Provision, testLogger())
	require.NoError(t, c.Populate(reg, testLogger()))

	empty, err := Load(writeConf(t, "[general]\n"))
	require.NoError(t, err)

	inCall := reg.FindByName("phone1")
	held := func(d *registry.Device) bool { return d == inCall }
	require.NoError(t, empty.Reload(reg, held, testLogger()))

	assert.Same(t, inCall, reg.FindByName("phone1"))
	assert.Nil(t, reg.FindByName("phone2"))
}

func TestWatcherFiresOnRewrite(t *testing.T) {
	path := writeConf(t, sampleConf)
	changed := make(chan struct{}, 1)

	w, err := Watch(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, testLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(sampleConf+"\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire")
	}
}
