package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hrchat_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	chatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_chat_requests_total",
			Help: "Chat questions by final outcome.",
		},
		[]string{"outcome"},
	)
	chatStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hrchat_chat_stage_duration_seconds",
			Help:    "Duration of each chat pipeline stage.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_validation_rejections_total",
			Help: "Generated SQL rejected by the validator, by reason.",
		},
		[]string{"reason"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_llm_calls_total",
			Help: "Text generation calls by purpose and status.",
		},
		[]string{"purpose", "status"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hrchat_query_rows_returned",
			Help:    "Rows returned by executed chat queries.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 200},
		},
	)
	schemaRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_schema_refresh_total",
			Help: "Schema descriptor refreshes by status.",
		},
		[]string{"status"},
	)
	schemaTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hrchat_schema_tables",
			Help: "Number of whitelisted tables in the current schema descriptor.",
		},
	)
	auditArchivedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hrchat_audit_archived_records_total",
			Help: "Audit records flushed to object storage, by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		chatRequestsTotal,
		chatStageDurationSeconds,
		validationRejectionsTotal,
		llmCallsTotal,
		queryRowsReturned,
		schemaRefreshTotal,
		schemaTables,
		auditArchivedRecordsTotal,
	)
}

func ObserveChatOutcome(outcome string) {
	chatRequestsTotal.WithLabelValues(outcome).Inc()
}

func ObserveChatStage(stage string, elapsed time.Duration) {
	chatStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveLLMCall(purpose string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	llmCallsTotal.WithLabelValues(purpose, status).Inc()
}

func ObserveQueryRows(rows int) {
	if rows < 0 {
		rows = 0
	}
	queryRowsReturned.Observe(float64(rows))
}

func ObserveSchemaRefresh(tables int, err error) {
	if err != nil {
		schemaRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	schemaRefreshTotal.WithLabelValues("ok").Inc()
	schemaTables.Set(float64(tables))
}

func ObserveAuditArchive(records int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	auditArchivedRecordsTotal.WithLabelValues(status).Add(float64(records))
}
