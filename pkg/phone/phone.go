package phone

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/looplab/fsm"

	"github.com/cloudwebrtc/go-unistim/pkg/bridge"
	"github.com/cloudwebrtc/go-unistim/pkg/rtp"
	"github.com/cloudwebrtc/go-unistim/pkg/transport"
	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// UI events. The machine mirrors its current state into the owning
// transport session so the transport layer can report it.
const (
	evGrant        = "grant"
	evDeny         = "deny"
	evAskExtension = "ask-extension"
	evOffhook      = "offhook"
	evIncoming     = "incoming"
	evConnect      = "connect"
	evIdle         = "idle"
	evOptions      = "options"
	evCodec        = "codec"
	evLanguage     = "language"
	evHistory      = "history"
	evBack         = "back"
	evShutdown     = "shutdown"
)

var languages = []string{"English", "French", "German", "Italian", "Spanish"}

// codecMenu is the set the terminal firmware supports, by payload type.
var codecMenu = []uint8{0, 8, 9, 18}

// Phone is the per-session UI: one per live terminal, driving display and
// audio commands from decoded key presses.
type Phone struct {
	drv  *Driver
	sess *transport.Session
	fsm  *fsm.FSM

	mu        sync.Mutex
	macAddr   net.HardwareAddr
	caller    HistoryEntry
	menuIdx   int
	codecBuf  string
	langIdx   int
	histDir   Direction
	histIdx   int
	histList  []HistoryEntry
	muted     bool
	dialTimer *time.Timer

	log log.Logger
}

var optionMenu = []string{"Language", "Codec", "Received calls", "Dialed calls"}

func newPhone(drv *Driver, sess *transport.Session) *Phone {
	p := &Phone{
		drv:  drv,
		sess: sess,
		log:  drv.log.WithPrefix("Phone"),
	}
	p.fsm = newUIFSM(p)
	return p
}

func newUIFSM(p *Phone) *fsm.FSM {
	idle := transport.StateMainPage.String()
	menus := []string{
		transport.StateSelectOption.String(),
		transport.StateSelectCodec.String(),
		transport.StateSelectLanguage.String(),
		transport.StateHistory.String(),
	}
	busy := append([]string{
		transport.StateDialPage.String(),
		transport.StateRinging.String(),
		transport.StateCall.String(),
	}, menus...)

	return fsm.NewFSM(
		transport.StateInit.String(),
		fsm.Events{
			{Name: evGrant, Src: []string{
				transport.StateInit.String(),
				transport.StateAuthDeny.String(),
				transport.StateExtension.String(),
			}, Dst: idle},
			{Name: evDeny, Src: []string{
				transport.StateInit.String(),
				transport.StateExtension.String(),
			}, Dst: transport.StateAuthDeny.String()},
			{Name: evAskExtension, Src: []string{
				transport.StateInit.String(),
			}, Dst: transport.StateExtension.String()},
			{Name: evOffhook, Src: []string{idle}, Dst: transport.StateDialPage.String()},
			{Name: evIncoming, Src: append([]string{idle}, busy...), Dst: transport.StateRinging.String()},
			{Name: evConnect, Src: []string{
				transport.StateDialPage.String(),
				transport.StateRinging.String(),
			}, Dst: transport.StateCall.String()},
			{Name: evIdle, Src: busy, Dst: idle},
			{Name: evOptions, Src: []string{idle}, Dst: transport.StateSelectOption.String()},
			{Name: evCodec, Src: []string{transport.StateSelectOption.String()}, Dst: transport.StateSelectCodec.String()},
			{Name: evLanguage, Src: []string{transport.StateSelectOption.String()}, Dst: transport.StateSelectLanguage.String()},
			{Name: evHistory, Src: []string{idle, transport.StateSelectOption.String()}, Dst: transport.StateHistory.String()},
			{Name: evBack, Src: []string{
				transport.StateSelectCodec.String(),
				transport.StateSelectLanguage.String(),
			}, Dst: transport.StateSelectOption.String()},
			{Name: evShutdown, Src: append(append([]string{
				transport.StateInit.String(),
				transport.StateAuthDeny.String(),
				transport.StateExtension.String(),
			}, idle), busy...), Dst: transport.StateCleaning.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { p.enterState(e.Dst) },
		},
	)
}

// event fires a UI transition; an invalid transition for the current state
// is logged and otherwise ignored.
func (p *Phone) event(name string) {
	if err := p.fsm.Event(context.Background(), name); err != nil {
		p.log.Debugf("event %s in %s: %v", name, p.fsm.Current(), err)
	}
}

func (p *Phone) State() transport.State { return p.sess.State() }

func stateFromName(name string) transport.State {
	for st := transport.StateInit; st <= transport.StateCleaning; st++ {
		if st.String() == name {
			return st
		}
	}
	return transport.StateInit
}

func (p *Phone) enterState(name string) {
	st := stateFromName(name)
	p.sess.SetState(st)

	switch st {
	case transport.StateMainPage:
		p.stopDialTimer()
		p.sess.SetDialBuffer("")
		p.drawIdle()
	case transport.StateAuthDeny:
		p.drawDeny()
	case transport.StateExtension:
		p.sess.SetDialBuffer("")
		p.drawExtensionPrompt()
	case transport.StateDialPage:
		p.sess.SetDialBuffer("")
		p.drawDialPage()
	case transport.StateRinging:
		p.drawRinging()
	case transport.StateCall:
		p.stopDialTimer()
		p.ringOff()
		p.drawCall()
	case transport.StateSelectOption:
		p.menuIdx = 0
		p.drawOptionMenu()
	case transport.StateSelectCodec:
		p.codecBuf = ""
		p.drawCodecMenu()
	case transport.StateSelectLanguage:
		p.drawLanguageMenu()
	case transport.StateHistory:
		p.histIdx = 0
		p.histList = p.loadHistory()
		p.drawHistory()
	case transport.StateCleaning:
		p.stopDialTimer()
	}
}

// handleKey dispatches one key press through the per-state handler table.
// States without an entry, AUTHDENY above all, swallow every key.
func (p *Phone) handleKey(key unistim.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := keyHandlers[p.sess.State()]; ok {
		h(p, key)
	}
}

var keyHandlers = map[transport.State]func(*Phone, unistim.Key){
	transport.StateMainPage:       (*Phone).keyMainPage,
	transport.StateExtension:      (*Phone).keyExtension,
	transport.StateDialPage:       (*Phone).keyDialPage,
	transport.StateRinging:        (*Phone).keyRinging,
	transport.StateCall:           (*Phone).keyCall,
	transport.StateSelectOption:   (*Phone).keySelectOption,
	transport.StateSelectCodec:    (*Phone).keySelectCodec,
	transport.StateSelectLanguage: (*Phone).keySelectLanguage,
	transport.StateHistory:        (*Phone).keyHistory,
}

func (p *Phone) keyMainPage(key unistim.Key) {
	switch {
	case key.IsDigit():
		p.event(evOffhook)
		p.appendDigit(key.Digit())
	case key.IsFavorite():
		p.pressFavorite(key.FavoriteIndex())
	case key == unistim.KeyFunc1:
		p.event(evOffhook)
	case key == unistim.KeyFunc2:
		p.histDir = DirIncoming
		p.event(evHistory)
	case key == unistim.KeyFunc3:
		p.event(evOptions)
	}
}

func (p *Phone) pressFavorite(slot int) {
	dev := p.sess.Device()
	if dev == nil || slot >= len(dev.Softkeys) {
		return
	}
	sk := &dev.Softkeys[slot]
	switch {
	case sk.IsLine():
		p.event(evOffhook)
	case sk.IsFavorite():
		p.event(evOffhook)
		p.sess.SetDialBuffer(sk.Number)
		p.dial(sk.Number)
	}
}

func (p *Phone) keyExtension(key unistim.Key) {
	switch {
	case key.IsDigit():
		buf := p.sess.DialBuffer() + string(key.Digit())
		p.sess.SetDialBuffer(buf)
		p.drawBuffer(buf)
	case key == unistim.KeyFunc1, key == unistim.KeyHash:
		p.commitTerminalNumber()
	case key == unistim.KeyFunc3:
		p.backspaceOr(func() { p.drawExtensionPrompt() }, func() {})
	}
}

func (p *Phone) commitTerminalNumber() {
	tn := p.sess.DialBuffer()
	if tn == "" {
		return
	}
	dev, err := p.drv.reg.RegisterTN(p.sess, tn, p.macAddr)
	if err != nil {
		p.log.Warnf("terminal number %q rejected: %v", tn, err)
		p.statusText("Unknown terminal number")
		p.sess.SetDialBuffer("")
		return
	}
	p.sess.SetDevice(dev)
	p.drv.finishRegistration(p, dev)
}

func (p *Phone) keyDialPage(key unistim.Key) {
	switch {
	case key.IsDigit():
		p.appendDigit(key.Digit())
	case key == unistim.KeyHash, key == unistim.KeyFunc1:
		p.dial(p.sess.DialBuffer())
	case key == unistim.KeyFunc3:
		p.backspaceOr(func() { p.drawDialPage() }, func() { p.event(evIdle) })
	case key == unistim.KeyFunc4, key == unistim.KeyHangup:
		p.event(evIdle)
	}
}

// backspaceOr removes the last buffered digit and redraws; on an already
// empty buffer the key is reinterpreted as cancel.
func (p *Phone) backspaceOr(redraw, cancel func()) {
	buf := p.sess.DialBuffer()
	if buf == "" {
		cancel()
		return
	}
	p.sess.SetDialBuffer(buf[:len(buf)-1])
	redraw()
}

func (p *Phone) appendDigit(d byte) {
	buf := p.sess.DialBuffer() + string(d)
	p.sess.SetDialBuffer(buf)
	p.drawBuffer(buf)

	cc := p.drv.br.CallControl()
	if cc.ExtensionExists(buf) && !cc.ExtensionCanMatchMore(buf) {
		p.dial(buf)
		return
	}
	p.armDialTimer()
}

func (p *Phone) armDialTimer() {
	p.stopDialTimer()
	p.dialTimer = time.AfterFunc(p.drv.cfg.DialTimeout, p.dialTimeout)
}

func (p *Phone) stopDialTimer() {
	if p.dialTimer != nil {
		p.dialTimer.Stop()
		p.dialTimer = nil
	}
}

// dialTimeout fires off the monitor goroutine when the inter-digit timer
// expires with a routable buffer.
func (p *Phone) dialTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess.State() != transport.StateDialPage {
		return
	}
	buf := p.sess.DialBuffer()
	if buf == "" {
		return
	}
	p.dial(buf)
}

// dial starts an outgoing call. An unroutable number leaves the user on the
// dial page; a setup failure returns to the idle page.
func (p *Phone) dial(number string) {
	dev := p.sess.Device()
	if dev == nil || number == "" {
		return
	}
	p.stopDialTimer()

	if !p.drv.br.CallControl().ExtensionExists(number) {
		p.statusText("Unknown number")
		return
	}
	sub, err := p.drv.br.DialOut(p.sess, dev, number)
	if err != nil {
		p.log.Warnf("dial %s on %s: %v", number, dev.Name, err)
		p.statusText("Call failed")
		p.event(evIdle)
		return
	}
	p.recordCall(DirOutgoing, HistoryEntry{
		When:   p.drv.now().Format("02/01 15:04"),
		Number: number,
		Name:   sub.Line.Name,
	})
	// A parked transfer leg completes against this freshly dialed one; the
	// phone drops out of both calls either way, so back to the idle page.
	if three := p.drv.br.FindByRole(dev, bridge.SubThreeway); three != nil {
		err := p.drv.br.CompleteTransfer(p.sess, three, sub)
		p.event(evIdle)
		if err != nil {
			p.log.Warnf("transfer to %s: %v", number, err)
			p.statusText("Transfer failed")
			return
		}
		p.statusText("Transfer completed")
		return
	}
	p.event(evConnect)
}

func (p *Phone) keyRinging(key unistim.Key) {
	switch key {
	case unistim.KeyFunc1:
		p.answer()
	case unistim.KeyFunc4, unistim.KeyHangup:
		p.reject()
	}
}

func (p *Phone) answer() {
	dev := p.sess.Device()
	sub := p.drv.br.FindByRole(dev, bridge.SubRinging)
	if sub == nil {
		p.event(evIdle)
		return
	}
	p.ringOff()
	if err := p.drv.br.Answer(p.sess, sub); err != nil {
		p.log.Warnf("answer %s: %v", sub.ID, err)
		p.event(evIdle)
		return
	}
	p.event(evConnect)
}

func (p *Phone) reject() {
	dev := p.sess.Device()
	if dev == nil {
		p.event(evIdle)
		return
	}
	if sub := p.drv.br.FindByRole(dev, bridge.SubRinging); sub != nil {
		p.drv.br.Hangup(p.sess, sub, transport.CauseNormalClearing)
	}
	dev.Lock()
	dev.MissedCalls++
	dev.Unlock()
	p.ringOff()
	p.event(evIdle)
}

func (p *Phone) keyCall(key unistim.Key) {
	dev := p.sess.Device()
	switch {
	case key.IsDigit() || key == unistim.KeyStar || key == unistim.KeyHash:
		sub := p.drv.br.FindByRole(dev, bridge.SubReal)
		if sub == nil {
			return
		}
		if err := p.drv.br.SendDTMF(p.sess, sub, keyASCII(key)); err != nil {
			p.log.Warnf("dtmf: %v", err)
		}
	case key == unistim.KeyHold:
		if sub := p.drv.br.FindByRole(dev, bridge.SubReal); sub != nil {
			p.drv.br.Hold(p.sess, sub)
			p.event(evIdle)
		}
	case key == unistim.KeyFunc2:
		if sub := p.drv.br.FindByRole(dev, bridge.SubReal); sub != nil {
			if err := p.drv.br.StartTransfer(p.sess, sub); err == nil {
				p.event(evIdle)
				p.event(evOffhook)
				p.statusText("Transfer: dial target")
			}
		}
	case key == unistim.KeyMute:
		p.toggleMute()
	case key == unistim.KeyFunc4, key == unistim.KeyHangup:
		p.hangupCurrent(transport.CauseNormalClearing)
	}
}

func keyASCII(key unistim.Key) byte {
	switch key {
	case unistim.KeyStar:
		return '*'
	case unistim.KeyHash:
		return '#'
	default:
		return key.Digit()
	}
}

func (p *Phone) hangupCurrent(cause int) {
	dev := p.sess.Device()
	if sub := p.drv.br.FindByRole(dev, bridge.SubReal); sub != nil {
		p.drv.br.Hangup(p.sess, sub, cause)
	}
	// A parked transfer leg completes against the next dialed call; with no
	// second leg it is released too.
	if three := p.drv.br.FindByRole(dev, bridge.SubThreeway); three != nil {
		p.drv.br.Hangup(p.sess, three, cause)
	}
	p.event(evIdle)
}

func (p *Phone) toggleMute() {
	p.muted = !p.muted
	m := unistim.LayoutMuteMic.New()
	if p.muted {
		m.SetByte("mute", 1)
	}
	p.send(m.Bytes())
	p.setLED(unistim.LEDMute, p.muted)
}

func (p *Phone) keySelectOption(key unistim.Key) {
	switch key {
	case unistim.KeyUp:
		if p.menuIdx > 0 {
			p.menuIdx--
		}
		p.drawOptionMenu()
	case unistim.KeyDown:
		if p.menuIdx < len(optionMenu)-1 {
			p.menuIdx++
		}
		p.drawOptionMenu()
	case unistim.KeyFunc1:
		switch p.menuIdx {
		case 0:
			p.event(evLanguage)
		case 1:
			p.event(evCodec)
		case 2:
			p.histDir = DirIncoming
			p.event(evHistory)
		case 3:
			p.histDir = DirOutgoing
			p.event(evHistory)
		}
	case unistim.KeyFunc4, unistim.KeyQuit:
		p.event(evIdle)
	}
}

// keySelectCodec collects one or two ASCII digits naming an RTP payload
// type and commits it with FUNC1.
func (p *Phone) keySelectCodec(key unistim.Key) {
	switch {
	case key.IsDigit():
		if len(p.codecBuf) < 2 {
			p.codecBuf += string(key.Digit())
		}
		p.drawBuffer(p.codecBuf)
	case key == unistim.KeyFunc1:
		p.commitCodec()
	case key == unistim.KeyFunc3:
		if p.codecBuf == "" {
			p.event(evBack)
			return
		}
		p.codecBuf = p.codecBuf[:len(p.codecBuf)-1]
		p.drawBuffer(p.codecBuf)
	case key == unistim.KeyFunc4, key == unistim.KeyQuit:
		p.event(evBack)
	}
}

func (p *Phone) commitCodec() {
	if p.codecBuf == "" {
		return
	}
	id, err := strconv.Atoi(p.codecBuf)
	if err != nil {
		p.codecBuf = ""
		return
	}
	name, err := rtp.CodecName(uint8(id))
	if err != nil {
		p.statusText("Unknown codec")
		p.codecBuf = ""
		return
	}
	dev := p.sess.Device()
	dev.Lock()
	dev.Codec = name
	dev.Unlock()
	p.statusText("Codec: " + name)
	p.event(evBack)
}

func (p *Phone) keySelectLanguage(key unistim.Key) {
	switch key {
	case unistim.KeyUp:
		if p.langIdx > 0 {
			p.langIdx--
		}
		p.drawLanguageMenu()
	case unistim.KeyDown:
		if p.langIdx < len(languages)-1 {
			p.langIdx++
		}
		p.drawLanguageMenu()
	case unistim.KeyFunc1:
		p.statusText("Language: " + languages[p.langIdx])
		p.event(evBack)
	case unistim.KeyFunc4, unistim.KeyQuit:
		p.event(evBack)
	}
}

// keyHistory browses records newest first, clamped at both ends.
func (p *Phone) keyHistory(key unistim.Key) {
	switch key {
	case unistim.KeyUp:
		if p.histIdx > 0 {
			p.histIdx--
		}
		p.drawHistory()
	case unistim.KeyDown:
		if p.histIdx < len(p.histList)-1 {
			p.histIdx++
		}
		p.drawHistory()
	case unistim.KeyFunc1:
		if p.histIdx < len(p.histList) {
			number := p.histList[p.histIdx].Number
			p.event(evIdle)
			p.event(evOffhook)
			p.sess.SetDialBuffer(number)
			p.dial(number)
		}
	case unistim.KeyFunc4, unistim.KeyQuit:
		p.event(evIdle)
	}
}

func (p *Phone) loadHistory() []HistoryEntry {
	dev := p.sess.Device()
	if dev == nil || !dev.HistoryEnabled {
		return nil
	}
	return ReadHistory(historyPath(p.drv.cfg.HistoryDir, dev.Name, p.histDir))
}

func (p *Phone) recordCall(d Direction, e HistoryEntry) {
	dev := p.sess.Device()
	if dev == nil || !dev.HistoryEnabled {
		return
	}
	if err := AppendHistory(historyPath(p.drv.cfg.HistoryDir, dev.Name, d), e); err != nil {
		p.log.Warnf("history write for %s: %v", dev.Name, err)
	}
}
