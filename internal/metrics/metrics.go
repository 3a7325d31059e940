// Package metrics exposes Prometheus collectors for trace runs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes used as the RunCount label.
const (
	OutcomeOK          = "ok"
	OutcomeExitNonZero = "exit_nonzero"
	OutcomeCanceled    = "canceled"
	OutcomeStartFailed = "start_failed"
)

var (
	NameSpace = "tracerun"

	// RunCount counts runs by outcome
	RunCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(NameSpace, "", "runs_total"),
		Help: "How many runs finished, by outcome",
	}, []string{"outcome"})

	// RunTime is a summary of how long runs took from start to exit
	RunTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: prometheus.BuildFQName(NameSpace, "", "run_duration_seconds"),
		Help: "Time taken by a run from start to exit",
	})

	// OutputBytes counts captured bytes per stream
	OutputBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(NameSpace, "", "output_bytes_total"),
		Help: "How many output bytes were captured, by stream",
	}, []string{"stream"})

	// TruncatedCount counts runs whose output hit the size limit
	TruncatedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(NameSpace, "", "truncated_total"),
		Help: "How many runs had output truncated at the size limit",
	})
)

var registerOnce sync.Once

// RegisterMetrics registers all collectors with the default registry. It is
// safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RunCount)
		prometheus.MustRegister(RunTime)
		prometheus.MustRegister(OutputBytes)
		prometheus.MustRegister(TruncatedCount)
	})
}

// Handler registers the collectors and returns the scrape handler.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
