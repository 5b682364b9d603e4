package monitoring

import (
	"presencerelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsOpen    prometheus.Gauge
	participantsActive prometheus.Gauge

	// Counters
	framesReceived *prometheus.CounterVec
	framesSent     prometheus.Counter
	sendsDropped   prometheus.Counter
	takeovers      prometheus.Counter
	errorFrames    *prometheus.CounterVec
	ticks          prometheus.Counter

	// Histograms
	tickParticipants prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_relay_connections_open",
			Help: "Number of open client connections",
		}),

		participantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presence_relay_participants_active",
			Help: "Number of announced participants",
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_relay_frames_received_total",
			Help: "Inbound frames by decoded kind",
		}, []string{"kind"}),

		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_relay_frames_sent_total",
			Help: "Outbound frames queued to a connection",
		}),

		sendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_relay_sends_dropped_total",
			Help: "Outbound frames skipped because the connection could not take them",
		}),

		takeovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_relay_takeovers_total",
			Help: "Participant ids rebound to a new connection",
		}),

		errorFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_relay_error_frames_total",
			Help: "Error frames sent to clients by error code",
		}, []string{"code"}),

		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_relay_ticks_total",
			Help: "Presence ticks emitted",
		}),

		tickParticipants: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_relay_tick_participants",
			Help:    "Participants included in each presence tick",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) SetConnections(n int) {
	p.connectionsOpen.Set(float64(n))
}

func (p *PrometheusCollector) SetAnnounced(n int) {
	p.participantsActive.Set(float64(n))
}

func (p *PrometheusCollector) FrameReceived(kind string) {
	p.framesReceived.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) FrameSent() {
	p.framesSent.Inc()
}

func (p *PrometheusCollector) SendDropped() {
	p.sendsDropped.Inc()
}

func (p *PrometheusCollector) Takeover() {
	p.takeovers.Inc()
}

func (p *PrometheusCollector) ErrorReplied(code string) {
	p.errorFrames.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) TickEmitted(participants int) {
	p.ticks.Inc()
	p.tickParticipants.Observe(float64(participants))
}

var _ ports.RelayMetrics = (*PrometheusCollector)(nil)
