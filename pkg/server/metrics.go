package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sjthespian/powerman/pkg/device"
)

// Metrics holds the daemon's Prometheus instruments. All increments happen
// on the engine goroutine; the promhttp handler reads them concurrently,
// which the client library supports.
type Metrics struct {
	ActionsDispatched *prometheus.CounterVec
	DeviceConnects    *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	ExpectTimeouts    *prometheus.CounterVec
	NodeStates        *prometheus.GaugeVec
}

// NewMetrics creates and registers the instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powerman_actions_dispatched_total",
			Help: "Actions fanned out to devices, by command kind.",
		}, []string{"command"}),
		DeviceConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powerman_device_connects_total",
			Help: "Successful device connects.",
		}, []string{"device"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powerman_device_connect_failures_total",
			Help: "Failed device connect attempts.",
		}, []string{"device"}),
		ExpectTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powerman_expect_timeouts_total",
			Help: "Device dialogues abandoned after an expect timeout.",
		}, []string{"device"}),
		NodeStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powerman_nodes",
			Help: "Node count by plug state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.ActionsDispatched, m.DeviceConnects, m.ConnectFailures,
		m.ExpectTimeouts, m.NodeStates)
	return m
}

func (e *Engine) countDispatch(act *device.Action) {
	if e.metrics != nil {
		e.metrics.ActionsDispatched.WithLabelValues(act.Com.String()).Inc()
	}
}

func (e *Engine) countConnect(d *device.Device) {
	if e.metrics != nil {
		e.metrics.DeviceConnects.WithLabelValues(d.Name).Inc()
	}
}

func (e *Engine) countConnectFailure(d *device.Device) {
	if e.metrics != nil {
		e.metrics.ConnectFailures.WithLabelValues(d.Name).Inc()
	}
}

func (e *Engine) countExpectTimeout(d *device.Device) {
	if e.metrics != nil {
		e.metrics.ExpectTimeouts.WithLabelValues(d.Name).Inc()
	}
}

// gaugeNodes republishes the per-state node counts after a refresh.
func (e *Engine) gaugeNodes() {
	if e.metrics == nil {
		return
	}
	counts := map[device.State]int{}
	for _, n := range e.cluster.Nodes() {
		counts[n.PState]++
	}
	for _, st := range []device.State{device.StateUnknown, device.StateOff, device.StateOn} {
		e.metrics.NodeStates.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}
