package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopvoice"

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations handled by the tool server, by tool and outcome.",
	}, []string{"tool", "outcome"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Latency of each pipeline stage.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"stage"})

	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_total",
		Help:      "Completed pipeline runs by outcome.",
	}, []string{"outcome"})

	upstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "web_search_upstream_calls_total",
		Help:      "Calls to the web search API by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	indexedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_rows_total",
		Help:      "Dataset rows seen by the indexer, by result.",
	}, []string{"result"})
)

// Outcome labels.
const (
	OK    = "ok"
	Error = "error"
)

func ObserveTool(tool, outcome string, d time.Duration) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
	toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func ObserveStage(stage string, d time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func PipelineRun(outcome string) {
	pipelineRuns.WithLabelValues(outcome).Inc()
}

func UpstreamCall(endpoint, outcome string) {
	upstreamCalls.WithLabelValues(endpoint, outcome).Inc()
}

// IndexRows adds n rows under result ("indexed" or a drop reason).
func IndexRows(result string, n int) {
	if n <= 0 {
		return
	}
	indexedRows.WithLabelValues(result).Add(float64(n))
}
