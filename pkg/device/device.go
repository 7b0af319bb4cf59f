// Package device implements the per-device dialogue engine: a scripted
// send/expect/delay state machine layered over a TCP, telnet, SSH, or proxy
// connection, plus the per-device action queue and target fanout. All
// methods that mutate device state are called from the engine's event loop
// goroutine only.
package device

import (
	"io"
	"net"
	"regexp"
	"time"

	"github.com/sjthespian/powerman/pkg/buffer"
	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// Status is the device connection status plus activity bits.
type Status int

const (
	StatusNotConnected Status = 0
	StatusConnecting   Status = 1 << iota
	StatusConnected
	StatusSending
	StatusExpecting
	StatusDelaying
)

// Has reports whether all bits of flag are set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// TargetMode selects how a device addresses plugs: by literal plug name (or
// its "all" token), or by passing the selector regex through verbatim.
type TargetMode int

const (
	ModeLiteral TargetMode = iota
	ModeRegex
)

// Protocol is the compiled, per-device dialogue description: one script per
// command kind (nil where the device does not implement the command), the
// target mode, the "all plugs" token, and the result regexes.
type Protocol struct {
	Mode    TargetMode
	All     string
	OnRE    *regexp.Regexp
	OffRE   *regexp.Regexp
	Timeout time.Duration
	Scripts [script.NumCommands]script.Script
}

// Hooks is the engine surface a device needs: timer scheduling for DELAY
// elements. The device never owns goroutines or timers itself.
type Hooks interface {
	ArmDelay(d *Device, dur time.Duration, gen int)
}

// Device is a connection to one remote power controller.
type Device struct {
	Name string
	Kind TransportKind
	Host string
	Port string

	// SSH transport credentials; unused for other kinds.
	User string
	Pass string

	prot  *Protocol
	hooks Hooks

	status   Status
	loggedIn bool
	errFlag  bool // sticky until the next successful connect

	conn io.ReadWriteCloser // nil when no connection is present
	gen  int                // bumped on every teardown; stale events are dropped
	to   *buffer.Buffer
	from *buffer.Buffer

	acts         []*Action
	lastProgress time.Time

	plugs      []*Plug
	plugByName map[string]*Plug
}

// New creates a device in the NOT_CONNECTED state.
func New(name string, kind TransportKind, host, port string, prot *Protocol, hooks Hooks) *Device {
	return &Device{
		Name:       name,
		Kind:       kind,
		Host:       host,
		Port:       port,
		prot:       prot,
		hooks:      hooks,
		plugByName: make(map[string]*Plug),
	}
}

// Protocol returns the device's compiled protocol.
func (d *Device) Protocol() *Protocol {
	return d.prot
}

// Status returns the current status bits.
func (d *Device) Status() Status {
	return d.status
}

// LoggedIn reports whether the login script has completed on the current
// connection.
func (d *Device) LoggedIn() bool {
	return d.loggedIn
}

// Gen returns the current connection generation. Events tagged with an older
// generation belong to a torn-down connection and must be ignored.
func (d *Device) Gen() int {
	return d.gen
}

// QueueLen returns the per-device action queue depth.
func (d *Device) QueueLen() int {
	return len(d.acts)
}

// HeadAction returns the action at the head of the queue, or nil.
func (d *Device) HeadAction() *Action {
	if len(d.acts) == 0 {
		return nil
	}
	return d.acts[0]
}

// Idle reports whether the device has drained: empty queue and no pending
// send, expect, or delay. Fleet quiescence is the conjunction of Idle over
// all devices.
func (d *Device) Idle() bool {
	return len(d.acts) == 0 &&
		!d.status.Has(StatusSending) &&
		!d.status.Has(StatusExpecting) &&
		!d.status.Has(StatusDelaying)
}

// Connected reports whether a connection is established.
func (d *Device) Connected() bool {
	return d.status.Has(StatusConnected)
}

// Connecting reports whether a dial is in flight.
func (d *Device) Connecting() bool {
	return d.status.Has(StatusConnecting)
}

// StartConnecting marks the device CONNECTING and returns the generation the
// dial result must carry. The engine performs the actual dial off-loop.
func (d *Device) StartConnecting() int {
	d.status = StatusConnecting
	return d.gen
}

// HandleConnected installs an established connection, creates the line
// buffers, and synthesizes the login action.
func (d *Device) HandleConnected(now time.Time, conn io.ReadWriteCloser) {
	d.conn = conn
	d.status = StatusConnected
	d.to = buffer.New(buffer.MaxBuf, func(chunk []byte) {
		util.WithDevice(d.Name).Debugf("S: %q", chunk)
	})
	d.from = buffer.New(buffer.MaxBuf, func(chunk []byte) {
		util.WithDevice(d.Name).Debugf("D: %q", chunk)
	})
	if d.errFlag {
		util.WithDevice(d.Name).Info("connection re-established")
	}
	d.errFlag = false
	d.lastProgress = now
	d.EnqueueAction(now, NewAction(script.CmdLogin))
}

// HandleConnectFailed records a failed dial. The next periodic update tick
// retries the connect.
func (d *Device) HandleConnectFailed(err error) {
	d.conn = nil
	d.to = nil
	d.from = nil
	d.errFlag = true
	d.status = StatusNotConnected
	util.WithDevice(d.Name).Infof("connect failed: %v", err)
}

// HandleRead appends bytes received from the device and advances the script.
// It returns false when the device must be recovered (buffer overflow means
// the dialogue is desynchronized).
func (d *Device) HandleRead(now time.Time, data []byte) bool {
	if d.from == nil {
		return true
	}
	if err := d.from.Append(data); err != nil {
		util.WithDevice(d.Name).Errorf("receive buffer overflow: %v", err)
		return false
	}
	d.ProcessScript(now)
	return true
}

// HandleEOF tears down the connection after a read EOF or connection reset.
// A login action at the head of the queue is dropped (a fresh one is
// generated on reconnect); any other head action is preserved and its script
// restarts after re-login. The engine re-initiates the connect.
func (d *Device) HandleEOF() {
	util.WithDevice(d.Name).Error("device read problem, reconnecting")
	d.teardown()
}

// Stalled reports whether the device has been waiting in EXPECT longer than
// its timeout.
func (d *Device) Stalled(now time.Time) bool {
	return d.status.Has(StatusExpecting) &&
		d.prot.Timeout > 0 &&
		now.Sub(d.lastProgress) > d.prot.Timeout
}

// Recover handles a stalled device: every queued action is discarded, all
// bound nodes forget their states, and the connection is torn down for the
// engine to re-initiate.
func (d *Device) Recover() {
	util.WithDevice(d.Name).Error("expect timed out, reconnecting")
	d.acts = nil
	for _, plug := range d.plugs {
		if plug.Node != nil {
			plug.Node.PState = StateUnknown
			plug.Node.NState = StateUnknown
		}
	}
	d.teardown()
}

// teardown closes and forgets the connection. The head login action, if any,
// is dropped; the generation bump invalidates stale reader and timer events.
func (d *Device) teardown() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.to = nil
	d.from = nil
	d.gen++
	d.status = StatusNotConnected
	d.loggedIn = false
	if len(d.acts) > 0 && d.acts[0].Com == script.CmdLogin {
		d.acts = d.acts[1:]
	}
}

// EnqueueAction maps a server-level action onto this device. Commands are
// refused until login completes; commands the device has no script for are
// silently skipped.
func (d *Device) EnqueueAction(now time.Time, sact *Action) {
	if !d.loggedIn && sact.Com != script.CmdLogin {
		util.WithDevice(d.Name).WithField("action", sact.Com.String()).
			Error("action refused while not logged in")
		return
	}
	if d.prot.Scripts[sact.Com] == nil {
		return
	}
	d.setTargets(sact)
	d.ProcessScript(now)
}

// ProcessScript advances the head action's script as far as it can go in one
// event-loop turn. It stops at an EXPECT with no matching input, at a DELAY,
// or when the queue drains. Completed actions are removed as part of the
// same step that decides they are done.
func (d *Device) ProcessScript(now time.Time) {
	for {
		if len(d.acts) == 0 {
			return
		}
		act := d.acts[0]
		if act.cur == nil {
			if act.step() == nil {
				d.completeHead()
				continue
			}
		}
		switch el := act.cur.(type) {
		case *script.Send:
			d.processSend(act, el)
		case *script.Expect:
			if !d.processExpect(now, act, el) {
				return
			}
		case *script.Delay:
			if d.status.Has(StatusDelaying) {
				return
			}
			d.status |= StatusDelaying
			if d.hooks != nil {
				d.hooks.ArmDelay(d, el.Duration, d.gen)
			}
			return
		}
		if act.step() == nil {
			d.completeHead()
		}
	}
}

// DelayExpired resumes a device whose DELAY interval elapsed. Stale timers
// from a previous connection are ignored.
func (d *Device) DelayExpired(now time.Time, gen int) {
	if gen != d.gen || !d.status.Has(StatusDelaying) {
		return
	}
	d.status &^= StatusDelaying
	if len(d.acts) > 0 {
		if d.acts[0].step() == nil {
			d.completeHead()
		}
	}
	d.ProcessScript(now)
}

// processSend appends the formatted command to the outgoing buffer. The
// target is substituted only when the action carries one.
func (d *Device) processSend(act *Action, el *script.Send) {
	if d.to == nil {
		return
	}
	var err error
	if act.Target != "" {
		err = d.to.AppendFormat(el.Fmt, act.Target)
	} else {
		err = d.to.AppendFormat(el.Fmt)
	}
	if err != nil {
		util.WithDevice(d.Name).Errorf("send buffer overflow: %v", err)
		return
	}
	d.status |= StatusSending
}

// processExpect attempts to consume a completed reply. Returns false when
// the device must keep waiting for input.
func (d *Device) processExpect(now time.Time, act *Action, el *script.Expect) bool {
	if d.from == nil {
		return false
	}
	matched, ok := d.from.TryConsume(el.Completion)
	if !ok {
		if !d.status.Has(StatusExpecting) {
			d.status |= StatusExpecting
			d.lastProgress = now
		}
		return false
	}
	d.status &^= StatusExpecting
	d.lastProgress = now
	d.interpret(act, el, matched)
	return true
}

// completeHead removes the finished head action. Removal and the logged-in
// transition are a single step.
func (d *Device) completeHead() {
	act := d.acts[0]
	d.acts = d.acts[1:]
	if act.Com == script.CmdLogin {
		d.loggedIn = true
	}
}

// Flush writes buffered output to the connection. SENDING clears once the
// buffer drains. A write error means the connection is gone; the caller
// recovers the device.
func (d *Device) Flush() error {
	if d.conn == nil || d.to == nil {
		return nil
	}
	if nc, ok := d.conn.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	for !d.to.IsEmpty() {
		n, err := d.conn.Write(d.to.Next(4096))
		d.to.Drop(n)
		if err != nil {
			return err
		}
	}
	d.status &^= StatusSending
	return nil
}

// Conn returns the live connection, nil when absent.
func (d *Device) Conn() io.ReadWriteCloser {
	return d.conn
}
