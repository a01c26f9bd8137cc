// Package metrics exposes Prometheus instruments for reconciliation runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calbridge/internal/remote"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbridge_operations_total",
		Help: "Reconciliation operations by kind and outcome.",
	}, []string{"kind", "outcome"})

	remoteCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbridge_remote_calls_total",
		Help: "Remote API calls by operation and classified result.",
	}, []string{"op", "result"})

	remoteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbridge_remote_retries_total",
		Help: "Remote API calls retried after a rate-limit or transient failure.",
	}, []string{"op"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calbridge_run_duration_seconds",
		Help:    "Wall time of reconciliation runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbridge_runs_total",
		Help: "Reconciliation runs by result.",
	}, []string{"result"})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calbridge_last_success_timestamp_seconds",
		Help: "Unix time of the last run that finished without failures.",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbridge_http_requests_total",
		Help: "Status server requests by route and status.",
	}, []string{"route", "status"})
)

// Recorder implements the observer hooks of the remote and apply layers.
type Recorder struct{}

func (Recorder) ObserveCall(op string, kind remote.Kind) {
	remoteCallsTotal.WithLabelValues(op, kind.String()).Inc()
}

func (Recorder) ObserveRetry(op string) {
	remoteRetriesTotal.WithLabelValues(op).Inc()
}

func (Recorder) ObserveOperation(kind, outcome string) {
	operationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRun records one finished run.
func ObserveRun(started, finished time.Time, ok bool) {
	runDuration.Observe(finished.Sub(started).Seconds())
	if ok {
		runsTotal.WithLabelValues("success").Inc()
		lastSuccess.Set(float64(finished.Unix()))
		return
	}
	runsTotal.WithLabelValues("failure").Inc()
}

func ObserveHTTP(route string, status int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
