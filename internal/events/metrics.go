package events

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSink turns events into Prometheus metrics.
type MetricsSink struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionCloses    *prometheus.CounterVec
	streamsActive    prometheus.Gauge
	streamsOpened    *prometheus.CounterVec
	streamsClosed    *prometheus.CounterVec
	pipelineFailures prometheus.Counter
	peerOffline      *prometheus.CounterVec
	authFailures     prometheus.Counter
	tunnelsActive    prometheus.Gauge
	tunnelsRejected  prometheus.Counter
	datagramsDropped prometheus.Counter
	relayedBytes     *prometheus.CounterVec
}

// NewMetricsSink registers the relay metrics on a fresh registry.
func NewMetricsSink() *MetricsSink {
	m := &MetricsSink{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "sessions_active", Help: "Established control sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "sessions_established_total", Help: "Sessions that completed authentication.",
		}),
		sessionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "sessions_closed_total", Help: "Closed sessions by reason.",
		}, []string{"reason"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "streams_active", Help: "Open logical streams.",
		}),
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "streams_opened_total", Help: "Opened logical streams by tunnel.",
		}, []string{"tunnel"}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "streams_closed_total", Help: "Closed logical streams by reason.",
		}, []string{"reason"}),
		pipelineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "pipeline_failures_total", Help: "Decryption or decompression failures.",
		}),
		peerOffline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "peer_offline_total", Help: "Connections rejected because the peer had no session.",
		}, []string{"tunnel"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "auth_failures_total", Help: "Rejected authentication attempts.",
		}),
		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tunnels_active", Help: "Bound tunnel listeners.",
		}),
		tunnelsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "tunnels_rejected_total", Help: "Tunnels that failed activation.",
		}),
		datagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "datagrams_dropped_total", Help: "Oversized or undeliverable datagrams.",
		}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "relayed_bytes_total", Help: "Bytes relayed by closed streams, by tunnel.",
		}, []string{"tunnel"}),
	}

	m.registry.MustRegister(
		m.sessionsActive, m.sessionsTotal, m.sessionCloses,
		m.streamsActive, m.streamsOpened, m.streamsClosed,
		m.pipelineFailures, m.peerOffline, m.authFailures,
		m.tunnelsActive, m.tunnelsRejected, m.datagramsDropped, m.relayedBytes,
	)
	return m
}

func (m *MetricsSink) Emit(e Event) {
	tunnel := strconv.FormatUint(uint64(e.TunnelID), 10)

	switch e.Kind {
	case SessionEstablished:
		m.sessionsActive.Inc()
		m.sessionsTotal.Inc()
	case SessionClosed:
		m.sessionsActive.Dec()
		m.sessionCloses.WithLabelValues(e.Reason).Inc()
	case StreamOpened:
		m.streamsActive.Inc()
		m.streamsOpened.WithLabelValues(tunnel).Inc()
	case StreamClosed:
		m.streamsActive.Dec()
		m.streamsClosed.WithLabelValues(e.Reason).Inc()
		if e.Bytes > 0 {
			m.relayedBytes.WithLabelValues(tunnel).Add(float64(e.Bytes))
		}
	case PipelineFailure:
		m.pipelineFailures.Inc()
	case PeerOffline:
		m.peerOffline.WithLabelValues(tunnel).Inc()
	case AuthFailed:
		m.authFailures.Inc()
	case TunnelActivated:
		m.tunnelsActive.Inc()
	case TunnelDeactivated:
		m.tunnelsActive.Dec()
	case TunnelRejected:
		m.tunnelsRejected.Inc()
	case DatagramDropped:
		m.datagramsDropped.Inc()
	}
}

// Registry exposes the underlying registry.
func (m *MetricsSink) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *MetricsSink) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
