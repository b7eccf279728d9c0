package phone

import (
	"fmt"
	"time"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// Display line numbers. Line 0 is the top of the pixel area, the status
// line is addressed by its own message.
const (
	lineTop = iota
	lineMiddle
	lineBottom
)

func (p *Phone) send(payload []byte) {
	if err := p.sess.Send(payload); err != nil {
		p.log.Debugf("send to %v: %v", p.sess.Peer(), err)
	}
}

func (p *Phone) displayText(line byte, text string) {
	m := unistim.LayoutDisplayText.New()
	m.SetByte("line", line)
	m.SetText("text", text)
	p.send(m.Bytes())
}

func (p *Phone) statusText(text string) {
	m := unistim.LayoutStatusText.New()
	m.SetText("text", text)
	p.send(m.Bytes())
}

func (p *Phone) clearDisplay() {
	p.send(unistim.LayoutClearDisplay.New().Bytes())
}

func (p *Phone) softkeyLabel(slot int, label string) {
	m := unistim.LayoutSoftkeyLabel.New()
	m.SetByte("slot", byte(slot))
	m.SetText("label", label)
	p.send(m.Bytes())
}

func (p *Phone) setLED(led byte, on bool) {
	m := unistim.LayoutLED.New()
	m.SetByte("led", led)
	state := unistim.LEDOff
	if on {
		state = unistim.LEDOn
	}
	m.SetByte("state", state)
	p.send(m.Bytes())
}

func (p *Phone) ringOn(style, volume byte) {
	m := unistim.LayoutRing.New()
	m.SetByte("style", style)
	m.SetByte("volume", volume)
	p.send(m.Bytes())
}

func (p *Phone) ringOff() {
	p.send(unistim.LayoutRingOff.New().Bytes())
}

// sendDateTime pushes the wall clock; the terminal renders it on the idle
// screen itself.
func (p *Phone) sendDateTime(now time.Time) {
	m := unistim.LayoutDateTime.New()
	m.SetByte("day", byte(now.Day()))
	m.SetByte("month", byte(now.Month()))
	m.SetByte("hour", byte(now.Hour()))
	m.SetByte("minute", byte(now.Minute()))
	m.SetByte("format", p.drv.cfg.DateFormat)
	p.send(m.Bytes())
}

// drawBuffer shows the digit buffer scrolled so its tail always fits the
// display width.
func (p *Phone) drawBuffer(buf string) {
	if len(buf) > unistim.TextLengthMax {
		buf = buf[len(buf)-unistim.TextLengthMax:]
	}
	p.displayText(lineMiddle, buf)
}

func (p *Phone) drawIdle() {
	dev := p.sess.Device()
	p.clearDisplay()
	if dev == nil {
		return
	}
	p.displayText(lineTop, dev.Name)
	if dev.MissedCalls > 0 {
		p.displayText(lineMiddle, fmt.Sprintf("%d missed calls", dev.MissedCalls))
	}
	p.softkeyLabel(0, "Dial")
	p.softkeyLabel(1, "Calls")
	p.softkeyLabel(2, "Options")
	p.softkeyLabel(3, "")
	for i, sk := range dev.Softkeys {
		if sk.Label != "" {
			p.softkeyLabel(i, sk.Label)
		}
	}
}

func (p *Phone) drawDeny() {
	p.clearDisplay()
	p.displayText(lineTop, "Access denied")
	p.displayText(lineMiddle, "Unknown terminal")
	p.statusText("Registration refused")
}

func (p *Phone) drawExtensionPrompt() {
	p.clearDisplay()
	p.displayText(lineTop, "Terminal number:")
	p.displayText(lineMiddle, p.sess.DialBuffer())
	p.softkeyLabel(0, "OK")
	p.softkeyLabel(2, "<-")
}

func (p *Phone) drawDialPage() {
	p.clearDisplay()
	p.displayText(lineTop, "Enter number:")
	p.statusText("")
	p.softkeyLabel(0, "Call")
	p.softkeyLabel(1, "")
	p.softkeyLabel(2, "<-")
	p.softkeyLabel(3, "Cancel")
}

func (p *Phone) drawRinging() {
	dev := p.sess.Device()
	p.clearDisplay()
	p.displayText(lineTop, "Incoming call")
	p.displayText(lineMiddle, p.caller.Number)
	p.displayText(lineBottom, p.caller.Name)
	p.softkeyLabel(0, "Answer")
	p.softkeyLabel(3, "Reject")
	style, volume := byte(0), byte(2)
	if dev != nil {
		style, volume = dev.RingStyle, dev.RingVolume
	}
	p.ringOn(style, volume)
}

func (p *Phone) drawCall() {
	p.clearDisplay()
	p.displayText(lineTop, "Connected")
	p.statusText("")
	p.softkeyLabel(0, "")
	p.softkeyLabel(1, "Transfer")
	p.softkeyLabel(2, "")
	p.softkeyLabel(3, "Hangup")
}

func (p *Phone) drawOptionMenu() {
	p.clearDisplay()
	p.displayText(lineTop, "Options")
	p.displayText(lineMiddle, "> "+optionMenu[p.menuIdx])
	p.softkeyLabel(0, "Select")
	p.softkeyLabel(3, "Back")
}

func (p *Phone) drawCodecMenu() {
	dev := p.sess.Device()
	p.clearDisplay()
	p.displayText(lineTop, "Codec id (0-99):")
	if dev != nil {
		p.statusText("Current: " + dev.Codec)
	}
	p.softkeyLabel(0, "OK")
	p.softkeyLabel(2, "<-")
	p.softkeyLabel(3, "Back")
}

func (p *Phone) drawLanguageMenu() {
	p.clearDisplay()
	p.displayText(lineTop, "Language")
	p.displayText(lineMiddle, "> "+languages[p.langIdx])
	p.softkeyLabel(0, "Select")
	p.softkeyLabel(3, "Back")
}

func (p *Phone) drawHistory() {
	p.clearDisplay()
	if len(p.histList) == 0 {
		p.displayText(lineTop, "No history")
		p.softkeyLabel(3, "Back")
		return
	}
	e := p.histList[p.histIdx]
	p.displayText(lineTop, e.When)
	p.displayText(lineMiddle, e.Number)
	p.displayText(lineBottom, e.Name)
	p.statusText(fmt.Sprintf("%d/%d", p.histIdx+1, len(p.histList)))
	p.softkeyLabel(0, "Dial")
	p.softkeyLabel(3, "Back")
}
