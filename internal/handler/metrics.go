package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditchain/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditBlocksAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_blocks_appended_total",
		Help: "Total blocks appended by entity.",
	}, []string{"entity"})

	auditAppendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_conflicts_total",
		Help: "Total index conflicts retried by the append path.",
	})

	auditRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_block_repairs_total",
		Help: "Total block repairs by outcome.",
	}, []string{"status"})

	auditTamperedBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_tampered_blocks",
		Help: "Number of tampered blocks found by the last full chain check.",
	})

	auditChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_chain_length",
		Help: "Number of blocks in the ledger at the last integrity check.",
	})

	auditIntegrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_integrity_checks_total",
		Help: "Total scheduled integrity checks by result.",
	}, []string{"result"})

	auditAlertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_alert_deliveries_total",
		Help: "Total alert deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		auditRequestsTotal.WithLabelValues(method, path, status).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PromRecorder implements ledger.MetricsRecorder with Prometheus collectors.
type PromRecorder struct{}

var _ ledger.MetricsRecorder = PromRecorder{}

// BlockAppended implements ledger.MetricsRecorder.
func (PromRecorder) BlockAppended(entity string) {
	auditBlocksAppendedTotal.WithLabelValues(entity).Inc()
}

// AppendConflict implements ledger.MetricsRecorder.
func (PromRecorder) AppendConflict() {
	auditAppendConflictsTotal.Inc()
}

// BlockRepaired implements ledger.MetricsRecorder.
func (PromRecorder) BlockRepaired(status ledger.RepairStatus) {
	auditRepairsTotal.WithLabelValues(string(status)).Inc()
}

// ChainChecked implements ledger.MetricsRecorder.
func (PromRecorder) ChainChecked(tampered int) {
	auditTamperedBlocks.Set(float64(tampered))
}

// RecordIntegrityCheck records a scheduled integrity check and the chain
// length it saw.
func RecordIntegrityCheck(intact bool, length int64) {
	if intact {
		auditIntegrityChecksTotal.WithLabelValues("intact").Inc()
	} else {
		auditIntegrityChecksTotal.WithLabelValues("tampered").Inc()
	}
	auditChainLength.Set(float64(length))
}

// RecordAlertDelivery records an alert delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		auditAlertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		auditAlertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
