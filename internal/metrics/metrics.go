// Package metrics exposes Prometheus collectors for the conversation core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concierge"

var callStates = []string{"idle", "ringing", "call"}

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	envelopes     *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	protocolDrops *prometheus.CounterVec
	audioFrames   *prometheus.CounterVec
	bargeIns      prometheus.Counter
	callState     *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Inbound envelopes routed, by channel and kind",
			},
			[]string{"channel", "kind"},
		),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_envelopes_total",
				Help:      "Inbound frames dropped because they could not be decoded",
			},
			[]string{"channel"},
		),
		protocolDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_state_drops_total",
				Help:      "Assistant updates dropped for lack of a matching turn",
			},
			[]string{"state"},
		),
		audioFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_frames_total",
				Help:      "Audio frames exchanged on calls",
			},
			[]string{"direction"}, // direction: in, out
		),
		bargeIns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barge_ins_total",
				Help:      "Interrupts that cleared queued playback",
			},
		),
		callState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_state",
				Help:      "1 for the current call state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.envelopes,
		m.malformed,
		m.protocolDrops,
		m.audioFrames,
		m.bargeIns,
		m.callState,
	)
	m.SetCallState("idle")
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Envelope counts one routed envelope.
func (m *Metrics) Envelope(channel, kind string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(channel, kind).Inc()
}

// Malformed counts one dropped frame.
func (m *Metrics) Malformed(channel string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(channel).Inc()
}

// ProtocolDrop counts an assistant update without a matching turn.
func (m *Metrics) ProtocolDrop(state string) {
	if m == nil {
		return
	}
	m.protocolDrops.WithLabelValues(state).Inc()
}

// AudioFrame counts one audio frame in direction "in" or "out".
func (m *Metrics) AudioFrame(direction string) {
	if m == nil {
		return
	}
	m.audioFrames.WithLabelValues(direction).Inc()
}

// BargeIn counts one interrupt.
func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.bargeIns.Inc()
}

// SetCallState marks state as current.
func (m *Metrics) SetCallState(state string) {
	if m == nil {
		return
	}
	for _, s := range callStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.callState.WithLabelValues(s).Set(v)
	}
}
