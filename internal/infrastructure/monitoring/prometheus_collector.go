package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notecollab"

// PrometheusCollector implements ports.MetricsRecorder on its own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	sessionsOpen      prometheus.Gauge
	peersAttached     prometheus.Gauge
	updatesApplied    prometheus.Counter
	updateBytes       prometheus.Counter
	updatesRejected   *prometheus.CounterVec
	awarenessRelayed  prometheus.Counter
	framesDropped     *prometheus.CounterVec
	permissionLookups *prometheus.CounterVec
	revocations       *prometheus.CounterVec
	persistDuration   prometheus.Histogram
	persistFailures   prometheus.Counter
	changeEvents      *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_open",
			Help:      "Number of document sessions held in memory",
		}),

		peersAttached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_attached",
			Help:      "Number of connections attached to a document session",
		}),

		updatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "CRDT updates merged into a document",
		}),

		updateBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_bytes_total",
			Help:      "Payload bytes of merged CRDT updates",
		}),

		updatesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "CRDT updates refused, by reason",
		}, []string{"reason"}),

		awarenessRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awareness_relayed_total",
			Help:      "Presence updates fanned out",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped for slow clients, by kind",
		}, []string{"kind"}),

		permissionLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_lookups_total",
			Help:      "Permission checks, by result (hit, miss, error)",
		}, []string{"result"}),

		revocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_delivered_total",
			Help:      "Permission changes applied to live connections",
		}, []string{"kind"}),

		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Duration of document state saves",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed document state saves",
		}),

		changeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Row change notifications received, by table",
		}, []string{"table"}),
	}
}

// Registry exposes the registry for additional collectors.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) SessionOpened()    { p.sessionsOpen.Inc() }
func (p *PrometheusCollector) SessionClosed()    { p.sessionsOpen.Dec() }
func (p *PrometheusCollector) PeerAttached()     { p.peersAttached.Inc() }
func (p *PrometheusCollector) PeerDetached()     { p.peersAttached.Dec() }
func (p *PrometheusCollector) AwarenessRelayed() { p.awarenessRelayed.Inc() }

func (p *PrometheusCollector) UpdateApplied(bytes int) {
	p.updatesApplied.Inc()
	p.updateBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) UpdateRejected(reason string) {
	p.updatesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FrameDropped(kind string) {
	p.framesDropped.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) PermissionLookup(result string) {
	p.permissionLookups.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RevocationDelivered(kind string) {
	p.revocations.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) PersistCompleted(duration time.Duration, err error) {
	p.persistDuration.Observe(duration.Seconds())
	if err != nil {
		p.persistFailures.Inc()
	}
}

func (p *PrometheusCollector) ChangeEventReceived(table string) {
	p.changeEvents.WithLabelValues(table).Inc()
}
