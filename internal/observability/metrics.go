package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guidance_scheduler_ticks_total",
		Help: "Scheduler ticks processed",
	})
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guidance_scheduler_tick_duration_seconds",
		Help:    "Time spent in one scheduler tick",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .016, .025, .05, .1, .25},
	})
	MonitorPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guidance_monitor_panics_total",
		Help: "Item monitor callbacks that panicked and were recovered",
	})
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_content_transitions_total",
			Help: "Content lifecycle transitions by content type and target state",
		}, []string{"type", "state"},
	)
	RuleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_rule_leaf_evaluations_total",
			Help: "Rule leaf evaluations by condition kind",
		}, []string{"kind"},
	)
	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_sessions_total",
			Help: "Session resolutions by outcome",
		}, []string{"outcome"},
	)
	WatcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_watcher_events_total",
			Help: "Element watcher events",
		}, []string{"event"},
	)
	ReportedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_reported_events_total",
			Help: "Business events reported to the transport",
		}, []string{"event", "result"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guidance_http_requests_total",
			Help: "Total API requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guidance_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guidance_http_in_flight",
		Help: "In-flight HTTP requests",
	})
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TickDuration, MonitorPanics, Transitions, RuleEvaluations,
		Sessions, WatcherEvents, ReportedEvents,
		RequestsTotal, Latency, InFlight,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
