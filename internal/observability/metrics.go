package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	connState       *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	backoff         prometheus.Gauge
	framingErrors   *prometheus.CounterVec
	protocolWarning *prometheus.CounterVec
	frames          *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionCloses   *prometheus.CounterVec
	scans           *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	services        prometheus.Gauge
}

var (
	registerOnce  sync.Once
	globalMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default registerer.
func Default() *Metrics {
	registerOnce.Do(func() {
		globalMetrics = New(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "edgelink"
	return &Metrics{
		connState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "link",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "link",
			Name:      "failures_total",
			Help:      "Connection failures by class.",
		}, []string{"class"}),
		backoff: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "link",
			Name:      "backoff_seconds",
			Help:      "Delay before the next connection attempt.",
		}),
		framingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "frame",
			Name:      "errors_total",
			Help:      "Connection-fatal framing errors.",
		}, []string{"kind"}),
		protocolWarning: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "control",
			Name:      "warnings_total",
			Help:      "Dropped control frames.",
		}, []string{"message_type"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "frame",
			Name:      "total",
			Help:      "Frames by direction and message type.",
		}, []string{"direction", "message_type"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "mux",
			Name:      "sessions_active",
			Help:      "Sessions currently in the table.",
		}),
		sessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "mux",
			Name:      "session_closes_total",
			Help:      "Closed sessions by reason.",
		}, []string{"reason"}),
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Completed scans by result.",
		}, []string{"result"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Scan duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		services: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "scanner",
			Name:      "services",
			Help:      "Records in the latest snapshot.",
		}),
	}
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Failure(class string, backoff time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(class).Inc()
	m.backoff.Set(backoff.Seconds())
}

func (m *Metrics) FramingError(kind string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolWarning(messageType string) {
	if m == nil {
		return
	}
	m.protocolWarning.WithLabelValues(messageType).Inc()
}

func (m *Metrics) Frame(direction, messageType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionCloses.WithLabelValues(reason).Inc()
}

func (m *Metrics) ScanCompleted(d time.Duration, services int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(d.Seconds())
	if err == nil {
		m.services.Set(float64(services))
	}
}
