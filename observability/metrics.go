package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rescueMetricsOnce sync.Once
	rescueRegistry    *RescueMetrics
)

// RescueMetrics wraps collectors tracking recovery engine health.
type RescueMetrics struct {
	accountsProcessed *prometheus.CounterVec
	batchLatency      prometheus.Histogram
	txAttempts        *prometheus.CounterVec
	txRetries         prometheus.Counter
	noncesIssued      prometheus.Counter
	errors            *prometheus.CounterVec
	pendingAccounts   prometheus.Gauge
	pauseEngaged      prometheus.Gauge
}

// Rescue exposes the metrics registry for the recovery daemon.
func Rescue() *RescueMetrics {
	rescueMetricsOnce.Do(func() {
		rescueRegistry = &RescueMetrics{
			accountsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "dispatcher",
				Name:      "accounts_processed_total",
				Help:      "Count of accounts that reached a terminal worker result, by outcome.",
			}, []string{"outcome"}),
			batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rescue",
				Subsystem: "dispatcher",
				Name:      "batch_latency_seconds",
				Help:      "Latency distribution for full dispatcher batches.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
			txAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "executor",
				Name:      "tx_attempts_total",
				Help:      "Transaction submission attempts segmented by operation.",
			}, []string{"operation"}),
			txRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "executor",
				Name:      "tx_retries_total",
				Help:      "Transaction attempts beyond the first for any operation.",
			}),
			noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "sequencer",
				Name:      "nonces_issued_total",
				Help:      "Funding wallet nonces handed out by the sequencer.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of failures segmented by stage and reason.",
			}, []string{"stage", "reason"}),
			pendingAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rescue",
				Subsystem: "dispatcher",
				Name:      "pending_accounts",
				Help:      "Accounts still pending after the most recent store read.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rescue",
				Subsystem: "dispatcher",
				Name:      "pause_engaged",
				Help:      "Indicates whether the dispatcher pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			rescueRegistry.accountsProcessed,
			rescueRegistry.batchLatency,
			rescueRegistry.txAttempts,
			rescueRegistry.txRetries,
			rescueRegistry.noncesIssued,
			rescueRegistry.errors,
			rescueRegistry.pendingAccounts,
			rescueRegistry.pauseEngaged,
		)
	})
	return rescueRegistry
}

// RecordOutcome increments the processed counter for a terminal worker result.
func (m *RescueMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.accountsProcessed.WithLabelValues(labelValue(outcome)).Inc()
}

// ObserveBatch records the latency of a completed dispatcher batch.
func (m *RescueMetrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchLatency.Observe(d.Seconds())
}

// RecordAttempt counts a transaction submission attempt for the operation. Any
// attempt after the first also counts as a retry.
func (m *RescueMetrics) RecordAttempt(operation string, attempt int) {
	if m == nil {
		return
	}
	m.txAttempts.WithLabelValues(labelValue(operation)).Inc()
	if attempt > 1 {
		m.txRetries.Inc()
	}
}

// RecordNonce counts a nonce issued by the sequencer.
func (m *RescueMetrics) RecordNonce() {
	if m == nil {
		return
	}
	m.noncesIssued.Inc()
}

// RecordError counts a failure for the given stage and reason.
func (m *RescueMetrics) RecordError(stage, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelValue(stage), labelValue(reason)).Inc()
}

// SetPending publishes the size of the most recent pending read.
func (m *RescueMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pendingAccounts.Set(float64(count))
}

// SetPaused publishes the dispatcher pause state.
func (m *RescueMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelValue(v string) string {
	trimmed := strings.TrimSpace(strings.ToLower(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
