// Package metrics records fetch, staging and ETL activity with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeEmpty     = "empty"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	reg *prometheus.Registry

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	staged       *prometheus.CounterVec
	upserted     *prometheus.CounterVec
	deferred     *prometheus.CounterVec
	etlFailures  *prometheus.CounterVec
	etlLatency   prometheus.Histogram
	published    *prometheus.CounterVec
}

// New creates a recorder on its own registry, with the Go and process
// collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_fetch_attempts_total",
			Help: "Provider fetch attempts by outcome",
		}, []string{"provider", "market", "period", "outcome"}),
		fetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finbench_fetch_duration_seconds",
			Help:    "Duration of provider fetches",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		staged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_raw_staged_total",
			Help: "Raw payloads appended to the landing table",
		}, []string{"provider", "period", "state"}),
		upserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_daily_bars_written_total",
			Help: "Daily rows inserted or updated by the ETL",
		}, []string{"market", "op"}),
		deferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_daily_bars_deferred_total",
			Help: "Bars of a still-trading session held back by the market-hours gate",
		}, []string{"market"}),
		etlFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_etl_failures_total",
			Help: "Raw rows the ETL could not process",
		}, []string{"kind"}),
		etlLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "finbench_etl_duration_seconds",
			Help:    "Duration of processing one raw row",
			Buckets: prometheus.DefBuckets,
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finbench_events_published_total",
			Help: "Events handed to publishers",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Fetch records one provider attempt.
func (r *Recorder) Fetch(provider, market, period, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(provider, market, period, outcome).Inc()
	r.fetchLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// Staged records one appended raw row. state is "pending" or "failed".
func (r *Recorder) Staged(provider, period, state string) {
	if r == nil {
		return
	}
	r.staged.WithLabelValues(provider, period, state).Inc()
}

// DailyWritten records inserted and updated daily rows.
func (r *Recorder) DailyWritten(market string, inserted, updated int) {
	if r == nil {
		return
	}
	if inserted > 0 {
		r.upserted.WithLabelValues(market, "insert").Add(float64(inserted))
	}
	if updated > 0 {
		r.upserted.WithLabelValues(market, "update").Add(float64(updated))
	}
}

// Deferred records bars held back by the market-hours gate.
func (r *Recorder) Deferred(market string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.deferred.WithLabelValues(market).Add(float64(n))
}

// ETLFailure records a failed raw row by error kind.
func (r *Recorder) ETLFailure(kind string) {
	if r == nil {
		return
	}
	r.etlFailures.WithLabelValues(kind).Inc()
}

// ETLDuration records how long one raw row took.
func (r *Recorder) ETLDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.etlLatency.Observe(d.Seconds())
}

// Published records an event publication result ("ok" or "error").
func (r *Recorder) Published(result string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.published.WithLabelValues(result).Add(float64(n))
}
