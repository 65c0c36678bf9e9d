package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *relayMetrics
)

type relayMetrics struct {
	requests          *prometheus.CounterVec
	replays           prometheus.Counter
	intentTransitions *prometheus.CounterVec
	buffersExpired    prometheus.Counter
	statusPushes      prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	metricsInitOnce.Do(func() {
		m := &relayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshpay_relay_requests_total",
				Help: "Inbound requests by message kind and outcome.",
			}, []string{"kind", "outcome"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshpay_relay_replays_total",
				Help: "Duplicate deliveries answered from the response cache.",
			}),
			intentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshpay_relay_intent_transitions_total",
				Help: "Cold-signing intent state transitions.",
			}, []string{"state"}),
			buffersExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshpay_relay_reassembly_expired_total",
				Help: "Reassembly buffers discarded after the timeout.",
			}),
			statusPushes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshpay_relay_status_pushes_total",
				Help: "Unsolicited status messages pushed to clients.",
			}),
		}
		prometheus.MustRegister(m.requests, m.replays, m.intentTransitions, m.buffersExpired, m.statusPushes)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *relayMetrics) observeRequest(kind, outcome string) {
	m.requests.WithLabelValues(kind, outcome).Inc()
}

func (m *relayMetrics) observeTransition(state string) {
	m.intentTransitions.WithLabelValues(state).Inc()
}
