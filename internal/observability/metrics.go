package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	authFailures      prometheus.Counter
	alertsStored      *prometheus.CounterVec
	alertsDuplicate   prometheus.Counter
	statsApplied      prometheus.Counter
	statsDiscarded    prometheus.Counter
	inflightRejected  prometheus.Counter
	wsClients         prometheus.GaugeFunc
}

func NewMetrics(wsClientCount func() int) *Metrics {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_auth_failures_total",
			Help: "Total device pushes rejected for bad credentials.",
		}),
		alertsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_stored_total",
			Help: "Total alerts stored by kind.",
		}, []string{"kind"}),
		alertsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alerts_duplicate_total",
			Help: "Total alert resends deduplicated by id.",
		}),
		statsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stats_snapshots_applied_total",
			Help: "Total stats snapshots applied to the registry.",
		}),
		statsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stats_snapshots_discarded_total",
			Help: "Total stats snapshots discarded as older than the stored one.",
		}),
		inflightRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inflight_rejected_total",
			Help: "Total requests rejected because the inflight limit was reached.",
		}),
		wsClients: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ws_clients_connected",
			Help: "Dashboard WebSocket clients currently connected.",
		}, func() float64 { return float64(wsClientCount()) }),
	}

	prometheus.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.authFailures,
		m.alertsStored,
		m.alertsDuplicate,
		m.statsApplied,
		m.statsDiscarded,
		m.inflightRejected,
		m.wsClients,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) AlertStored(kind string) {
	if m == nil {
		return
	}
	m.alertsStored.WithLabelValues(kind).Inc()
}

func (m *Metrics) AlertDuplicate() {
	if m == nil {
		return
	}
	m.alertsDuplicate.Inc()
}

func (m *Metrics) StatsApplied(applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.statsApplied.Inc()
	} else {
		m.statsDiscarded.Inc()
	}
}

func (m *Metrics) InflightRejected() {
	if m == nil {
		return
	}
	m.inflightRejected.Inc()
}
