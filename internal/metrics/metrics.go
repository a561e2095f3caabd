// Package metrics holds the Prometheus collectors shared by the channel
// factory and the I/O backends.
//
// A nil *Transport is valid and records nothing, so components can be built
// without metrics wiring.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "wlchannel"

// Release outcomes.
const (
	OutcomeGraceful = "graceful"
	OutcomeForced   = "forced"
)

// Release stages that can fail.
const (
	StageChannel = "channel"
	StageBackend = "backend"
)

// Transport groups the collectors for channel and backend lifecycles.
type Transport struct {
	channelsCreated    *prometheus.CounterVec
	constructionErrors *prometheus.CounterVec
	backendsStarted    *prometheus.CounterVec
	backendsStopped    *prometheus.CounterVec
	backendHangups     *prometheus.CounterVec
	releases           *prometheus.CounterVec
	releaseErrors      *prometheus.CounterVec
	inflightCalls      *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
// A nil reg leaves the collectors unregistered, which is what tests and
// the package-level default factory use.
func New(reg prometheus.Registerer) (*Transport, error) {
	t := &Transport{
		channelsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "Channels constructed, by transport kind.",
		}, []string{"kind"}),
		constructionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_construction_errors_total",
			Help:      "Channel constructions that failed, by transport kind.",
		}, []string{"kind"}),
		backendsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backends_started_total",
			Help:      "I/O backends constructed, by backend kind.",
		}, []string{"backend"}),
		backendsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backends_stopped_total",
			Help:      "I/O backends shut down, by backend kind.",
		}, []string{"backend"}),
		backendHangups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_peer_hangups_total",
			Help:      "Domain-socket connections closed after the peer hung up.",
		}, []string{"backend"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Transport resources released, by kind and drain outcome.",
		}, []string{"kind", "outcome"}),
		releaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_errors_total",
			Help:      "Errors reported while releasing transport resources, by stage.",
		}, []string{"stage"}),
		inflightCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_calls",
			Help:      "RPCs currently in flight, by transport kind.",
		}, []string{"kind"}),
	}

	if reg == nil {
		return t, nil
	}

	for _, c := range t.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register collector: %w", err)
		}
	}
	return t, nil
}

// MustNew is like New but panics on registration failure.
func MustNew(reg prometheus.Registerer) *Transport {
	t, err := New(reg)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Transport) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		t.channelsCreated,
		t.constructionErrors,
		t.backendsStarted,
		t.backendsStopped,
		t.backendHangups,
		t.releases,
		t.releaseErrors,
		t.inflightCalls,
	}
}

func (t *Transport) ChannelCreated(kind string) {
	if t == nil {
		return
	}
	t.channelsCreated.WithLabelValues(kind).Inc()
}

func (t *Transport) ConstructionFailed(kind string) {
	if t == nil {
		return
	}
	t.constructionErrors.WithLabelValues(kind).Inc()
}

func (t *Transport) BackendStarted(backend string) {
	if t == nil {
		return
	}
	t.backendsStarted.WithLabelValues(backend).Inc()
}

func (t *Transport) BackendStopped(backend string) {
	if t == nil {
		return
	}
	t.backendsStopped.WithLabelValues(backend).Inc()
}

func (t *Transport) PeerHangup(backend string) {
	if t == nil {
		return
	}
	t.backendHangups.WithLabelValues(backend).Inc()
}

func (t *Transport) Released(kind, outcome string) {
	if t == nil {
		return
	}
	t.releases.WithLabelValues(kind, outcome).Inc()
}

func (t *Transport) ReleaseFailed(stage string) {
	if t == nil {
		return
	}
	t.releaseErrors.WithLabelValues(stage).Inc()
}

// CallStarted and CallFinished track the in-flight gauge.
func (t *Transport) CallStarted(kind string) {
	if t == nil {
		return
	}
	t.inflightCalls.WithLabelValues(kind).Inc()
}

func (t *Transport) CallFinished(kind string) {
	if t == nil {
		return
	}
	t.inflightCalls.WithLabelValues(kind).Dec()
}

// Counter accessors for tests and the CLI summary. They return the current
// value for the given label, or 0 for a nil Transport.

func (t *Transport) BackendsStartedCount(backend string) float64 {
	if t == nil {
		return 0
	}
	return counterValue(t.backendsStarted.WithLabelValues(backend))
}

func (t *Transport) BackendsStoppedCount(backend string) float64 {
	if t == nil {
		return 0
	}
	return counterValue(t.backendsStopped.WithLabelValues(backend))
}

func (t *Transport) ChannelsCreatedCount(kind string) float64 {
	if t == nil {
		return 0
	}
	return counterValue(t.channelsCreated.WithLabelValues(kind))
}

func (t *Transport) PeerHangupCount(backend string) float64 {
	if t == nil {
		return 0
	}
	return counterValue(t.backendHangups.WithLabelValues(backend))
}

func (t *Transport) ReleaseErrorCount(stage string) float64 {
	if t == nil {
		return 0
	}
	return counterValue(t.releaseErrors.WithLabelValues(stage))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
