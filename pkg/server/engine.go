// Package server holds the daemon core: the global action queue, the
// dispatcher with its fleet-quiescence gate, the event loop that multiplexes
// all device I/O, the client listener, and the optional state export and
// metrics surfaces.
package server

import (
	"context"
	"io"
	"time"

	"github.com/sjthespian/powerman/pkg/device"
	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// DefaultUpdateInterval is how often the daemon refreshes plug and node
// states when the config does not say otherwise.
const DefaultUpdateInterval = 100 * time.Second

// ClientHooks is the listener surface the dispatcher needs: liveness checks
// before dispatch and reply delivery after completion. Result encoding is
// entirely the listener's concern.
type ClientHooks interface {
	Exists(clientID string) bool
	Reply(act *device.Action)
}

// Options configure an Engine.
type Options struct {
	Cluster        *Cluster
	Devices        []*device.Device
	UpdateInterval time.Duration
	DialTimeout    time.Duration
	TickEvery      time.Duration
	StateDB        *StateDB // optional
	Metrics        *Metrics // optional
}

// Engine is the daemon core. A single goroutine (Run) owns every field; I/O
// edges deliver work through the event channel.
type Engine struct {
	cluster *Cluster
	devices []*device.Device

	queue    []*device.Action
	inflight *device.Action
	seq      int64

	hooks   ClientHooks
	statedb *StateDB
	metrics *Metrics

	updateInterval time.Duration
	dialTimeout    time.Duration
	tickEvery      time.Duration
	lastUpdate     time.Time

	events  chan event
	stopped chan struct{}
}

type event interface{ event() }

type evConnOK struct {
	dev  *device.Device
	gen  int
	conn io.ReadWriteCloser
}

type evConnFail struct {
	dev *device.Device
	gen int
	err error
}

type evRead struct {
	dev  *device.Device
	gen  int
	data []byte
}

type evEOF struct {
	dev *device.Device
	gen int
}

type evDelay struct {
	dev *device.Device
	gen int
}

type evSubmit struct {
	act *device.Action
}

type evInspect struct {
	f    func()
	done chan struct{}
}

func (evConnOK) event()   {}
func (evConnFail) event() {}
func (evRead) event()     {}
func (evEOF) event()      {}
func (evDelay) event()    {}
func (evSubmit) event()   {}
func (evInspect) event()  {}

// New creates an engine and installs itself as every device's hook provider.
func New(opts Options) *Engine {
	e := &Engine{
		cluster:        opts.Cluster,
		devices:        opts.Devices,
		statedb:        opts.StateDB,
		metrics:        opts.Metrics,
		updateInterval: opts.UpdateInterval,
		dialTimeout:    opts.DialTimeout,
		tickEvery:      opts.TickEvery,
		events:         make(chan event, 256),
		stopped:        make(chan struct{}),
	}
	if e.cluster == nil {
		e.cluster = NewCluster("")
	}
	if e.updateInterval <= 0 {
		e.updateInterval = DefaultUpdateInterval
	}
	if e.dialTimeout <= 0 {
		e.dialTimeout = 10 * time.Second
	}
	if e.tickEvery <= 0 {
		e.tickEvery = time.Second
	}
	for _, d := range e.devices {
		d.SetHooks(e)
	}
	return e
}

// SetClientHooks installs the listener callbacks.
func (e *Engine) SetClientHooks(h ClientHooks) {
	e.hooks = h
}

// Cluster returns the engine's cluster.
func (e *Engine) Cluster() *Cluster {
	return e.cluster
}

// Devices returns the managed devices.
func (e *Engine) Devices() []*device.Device {
	return e.devices
}

// Submit appends a client-originated (or test-originated) action to the
// global queue. Safe to call from any goroutine.
func (e *Engine) Submit(act *device.Action) {
	e.post(evSubmit{act: act})
}

// ArmDelay implements device.Hooks: schedule a wakeup for a DELAY element.
func (e *Engine) ArmDelay(d *device.Device, dur time.Duration, gen int) {
	time.AfterFunc(dur, func() {
		e.post(evDelay{dev: d, gen: gen})
	})
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

// Inspect runs f on the event-loop goroutine and waits for it, so callers
// can read loop-owned state without a data race. After the loop has stopped
// f runs inline; the state is no longer being mutated.
func (e *Engine) Inspect(f func()) {
	ev := evInspect{f: f, done: make(chan struct{})}
	select {
	case e.events <- ev:
		select {
		case <-ev.done:
		case <-e.stopped:
			// The loop may have stopped before it reached this event.
			select {
			case <-ev.done:
			default:
				f()
			}
		}
	case <-e.stopped:
		f()
	}
}

// Run drives the daemon until the context is canceled. All device, queue,
// and cluster state is mutated here and nowhere else.
func (e *Engine) Run(ctx context.Context) {
	e.lastUpdate = time.Now()
	for _, d := range e.devices {
		e.connect(d)
	}
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return
		case ev := <-e.events:
			e.handle(ev)
		case now := <-ticker.C:
			e.tick(now)
		}
		e.afterTurn()
	}
}

// connect starts a nonblocking connect for a device that has none in flight.
func (e *Engine) connect(d *device.Device) {
	if d.Connected() || d.Connecting() {
		return
	}
	gen := d.StartConnecting()
	timeout := e.dialTimeout
	go func() {
		conn, err := d.Dial(timeout)
		if err != nil {
			e.post(evConnFail{dev: d, gen: gen, err: err})
			return
		}
		e.post(evConnOK{dev: d, gen: gen, conn: conn})
	}()
}

// startReader pumps bytes from a device connection into the event channel.
// The generation tag lets the loop drop leftovers from a torn-down
// connection.
func (e *Engine) startReader(d *device.Device, conn io.Reader, gen int) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				e.post(evRead{dev: d, gen: gen, data: data})
			}
			if err != nil {
				e.post(evEOF{dev: d, gen: gen})
				return
			}
		}
	}()
}

func (e *Engine) handle(ev event) {
	now := time.Now()
	switch ev := ev.(type) {
	case evConnOK:
		if ev.gen != ev.dev.Gen() || !ev.dev.Connecting() {
			ev.conn.Close()
			return
		}
		e.countConnect(ev.dev)
		ev.dev.HandleConnected(now, ev.conn)
		e.startReader(ev.dev, ev.conn, ev.dev.Gen())
	case evConnFail:
		if ev.gen != ev.dev.Gen() {
			return
		}
		e.countConnectFailure(ev.dev)
		ev.dev.HandleConnectFailed(ev.err)
	case evRead:
		if ev.gen != ev.dev.Gen() {
			return
		}
		if !ev.dev.HandleRead(now, ev.data) {
			ev.dev.Recover()
			e.connect(ev.dev)
		}
	case evEOF:
		if ev.gen != ev.dev.Gen() {
			return
		}
		ev.dev.HandleEOF()
		e.connect(ev.dev)
	case evDelay:
		ev.dev.DelayExpired(now, ev.gen)
	case evSubmit:
		e.seq++
		ev.act.Seq = e.seq
		e.queue = append(e.queue, ev.act)
	case evInspect:
		ev.f()
		close(ev.done)
	}
}

// tick runs the wall-clock work: stall detection and the periodic refresh,
// which doubles as the reconnect-retry point for devices whose last connect
// failed.
func (e *Engine) tick(now time.Time) {
	for _, d := range e.devices {
		if d.Stalled(now) {
			e.countExpectTimeout(d)
			d.Recover()
			e.connect(d)
		}
	}
	if now.Sub(e.lastUpdate) < e.updateInterval {
		return
	}
	for _, d := range e.devices {
		e.connect(d)
	}
	if e.updatePending() {
		return
	}
	util.Logger.Info("updating plugs and nodes")
	e.seq++
	plugs := device.NewAction(script.CmdUpdatePlugs)
	plugs.Seq = e.seq
	e.seq++
	nodes := device.NewAction(script.CmdUpdateNodes)
	nodes.Seq = e.seq
	e.queue = append(e.queue, plugs, nodes)
}

// updatePending reports whether an internally generated refresh is already
// queued or in flight, so refreshes never stack up.
func (e *Engine) updatePending() bool {
	if act := e.inflight; act != nil && act.ClientID == "" &&
		(act.Com == script.CmdUpdatePlugs || act.Com == script.CmdUpdateNodes) {
		return true
	}
	for _, act := range e.queue {
		if act.ClientID == "" &&
			(act.Com == script.CmdUpdatePlugs || act.Com == script.CmdUpdateNodes) {
			return true
		}
	}
	return false
}

// afterTurn flushes device output and, if the fleet is quiescent, lets the
// dispatcher advance the global queue.
func (e *Engine) afterTurn() {
	for _, d := range e.devices {
		if err := d.Flush(); err != nil {
			util.WithDevice(d.Name).Errorf("write failed: %v", err)
			d.HandleEOF()
			e.connect(d)
		}
	}
	e.dispatch()
}

// quiescent reports fleet-wide idleness: the dispatcher gate.
func (e *Engine) quiescent() bool {
	for _, d := range e.devices {
		if !d.Idle() {
			return false
		}
	}
	return true
}

// dispatch finishes the in-flight action once the fleet has drained, then
// pulls new work. Informational actions are answered without device traffic;
// the rest fan out to every device and occupy the fleet until it drains.
func (e *Engine) dispatch() {
	if !e.quiescent() {
		return
	}
	if e.inflight != nil {
		e.finish(e.inflight)
		e.inflight = nil
	}
	now := time.Now()
	for {
		act := e.nextAction()
		if act == nil {
			return
		}
		e.queue = e.queue[1:]
		if act.Com.Informational() {
			e.finish(act)
			continue
		}
		e.countDispatch(act)
		for _, d := range e.devices {
			d.EnqueueAction(now, act)
		}
		if e.quiescent() {
			// No device had work for it (unsupported everywhere, or no
			// plug matched anywhere): it completes immediately.
			e.finish(act)
			continue
		}
		e.inflight = act
		return
	}
}

// nextAction peeks the queue head, discarding actions whose client has
// disappeared. Those are dropped silently, without reply.
func (e *Engine) nextAction() *device.Action {
	for len(e.queue) > 0 {
		act := e.queue[0]
		if act.ClientID == "" || e.hooks == nil || e.hooks.Exists(act.ClientID) {
			return act
		}
		e.queue = e.queue[1:]
	}
	return nil
}

// finish replies to the client (exactly once, and only if the client still
// exists). A completed refresh stamps the periodic-update throttle and
// exports state; other commands must not push the next refresh back.
func (e *Engine) finish(act *device.Action) {
	if act.Com == script.CmdUpdatePlugs || act.Com == script.CmdUpdateNodes {
		e.lastUpdate = time.Now()
		e.export()
	}
	if act.ClientID != "" && e.hooks != nil && e.hooks.Exists(act.ClientID) {
		e.hooks.Reply(act)
	}
}

// export snapshots node states and hands them to the state DB off-loop.
func (e *Engine) export() {
	e.gaugeNodes()
	if e.statedb == nil {
		return
	}
	e.statedb.Export(snapshotNodes(e.cluster.Nodes()))
}

func (e *Engine) teardown() {
	close(e.stopped)
	for _, d := range e.devices {
		if c := d.Conn(); c != nil {
			c.Close()
		}
	}
}
