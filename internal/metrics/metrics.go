// Package metrics provides Prometheus instrumentation for the risk pipeline.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsProcessedTotal counts transaction events handled by the gateway.
	TransactionsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "transactions_processed_total",
		Help:      "Total transaction signals processed by the ingestion gateway.",
	})

	// RiskScoreHistogram tracks the distribution of risk scores by reason code,
	// to answer "are we blocking too many people?".
	RiskScoreHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "risk_score",
			Help:      "Distribution of risk scores from the scoring engine.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"reason_code"},
	)

	// RiskBlocksTotal counts decisions that crossed the high-risk threshold.
	RiskBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "risk_blocks_total",
		Help:      "Total transactions flagged HIGH_RISK (score > 0.8).",
	})

	// ProofTriggersTotal counts proof generation triggers by reason.
	ProofTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "proof_triggers_total",
			Help:      "Total proof generation tasks triggered, by trigger reason.",
		},
		[]string{"reason"},
	)

	// ProofQueueDepth tracks pending tasks in the bulkhead queue.
	ProofQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "proof_queue_depth",
		Help:      "Current number of pending proof generation tasks in the bulkhead queue.",
	})

	// ProofResultsTotal counts completed proof tasks by result.
	ProofResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "proof_results_total",
			Help:      "Total proof generation outcomes by result (ok, error, panic, rejected, timeout).",
		},
		[]string{"result"},
	)

	// IngestBufferDepth tracks the inbound event buffer fill level.
	IngestBufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "ingest_buffer_depth",
		Help:      "Current number of undecoded events in the inbound buffer.",
	})

	// IngestRejectedTotal counts events rejected because the inbound buffer was full.
	IngestRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "ingest_rejected_total",
		Help:      "Total inbound events rejected at the high-water mark.",
	})

	// ParseErrorsTotal counts malformed inbound events that were skipped.
	ParseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "parse_errors_total",
		Help:      "Total inbound events dropped due to decode failure.",
	})

	// AuditAppendsTotal counts audit chain appends by result.
	AuditAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "audit_appends_total",
			Help:      "Total audit chain append attempts by result.",
		},
		[]string{"result"},
	)

	// AuditChainHeight tracks the height of the audit chain tip.
	AuditChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "audit_chain_height",
		Help:      "Height of the most recently appended audit chain record.",
	})

	// ActiveWebSocketClients tracks connected decision-stream subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "websocket_clients",
		Help:      "Number of connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsProcessedTotal,
		RiskScoreHistogram,
		RiskBlocksTotal,
		ProofTriggersTotal,
		ProofQueueDepth,
		ProofResultsTotal,
		IngestBufferDepth,
		IngestRejectedTotal,
		ParseErrorsTotal,
		AuditAppendsTotal,
		AuditChainHeight,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
