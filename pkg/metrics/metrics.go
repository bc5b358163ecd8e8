package metrics

import (
	"net/http"
	"time"

	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpsTotal counts every completed operation by opcode and result code
	// (spec §6.c), the primary signal for client-visible error rates.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pious_ops_total",
			Help: "Total number of completed operations by opcode and result",
		},
		[]string{"op", "result"},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pious_op_duration_seconds",
			Help:    "Operation duration in seconds by opcode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_cache_hits_total",
			Help: "Total number of cache manager reads served entirely from cache",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_cache_misses_total",
			Help: "Total number of cache manager reads that required a refill",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_cache_evictions_total",
			Help: "Total number of probationary-segment slots evicted to make room",
		},
	)

	BlockedTxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pious_blocked_transactions",
			Help: "Number of transaction operations currently blocked on a lock",
		},
	)

	BlockedCtrlDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pious_blocked_control_ops",
			Help: "Number of control ops currently blocked on a lock",
		},
	)

	DeadlockAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pious_deadlock_aborts_total",
			Help: "Total number of transactions aborted by the deadlock-avoidance sweep",
		},
	)

	LogFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pious_log_fsync_duration_seconds",
			Help:    "Time taken to fsync the TLOG at prepare/commit",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal)
	prometheus.MustRegister(OpDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(BlockedTxDepth)
	prometheus.MustRegister(BlockedCtrlDepth)
	prometheus.MustRegister(DeadlockAbortsTotal)
	prometheus.MustRegister(LogFsyncDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector implements dispatcher.Metrics, translating the dispatcher's
// narrow counter/gauge calls into the package-level Prometheus metrics
// above.
type Collector struct{}

// NewCollector builds a dispatcher.Metrics backed by Prometheus.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) ObserveOp(op wire.Opcode, result wire.Errno, elapsed time.Duration) {
	OpsTotal.WithLabelValues(op.String(), resultLabel(result)).Inc()
	OpDuration.WithLabelValues(op.String()).Observe(elapsed.Seconds())
}

func (c *Collector) SetBlockedDepth(tx, ctrl int) {
	BlockedTxDepth.Set(float64(tx))
	BlockedCtrlDepth.Set(float64(ctrl))
}

func (c *Collector) IncDeadlockAbort() {
	DeadlockAbortsTotal.Inc()
}

// CacheSampler turns the cache manager's cumulative Stats() counters into
// Prometheus counter increments, which only ever go up. It must be
// driven periodically (e.g. by the dispatcher's deadlock-sweep ticker)
// since cache.Manager has no push-based metrics hook of its own.
type CacheSampler struct {
	lastHits, lastMisses, lastEvictions int64
}

func (s *CacheSampler) Sample(hits, misses, evictions int64) {
	if d := hits - s.lastHits; d > 0 {
		CacheHitsTotal.Add(float64(d))
	}
	if d := misses - s.lastMisses; d > 0 {
		CacheMissesTotal.Add(float64(d))
	}
	if d := evictions - s.lastEvictions; d > 0 {
		CacheEvictionsTotal.Add(float64(d))
	}
	s.lastHits, s.lastMisses, s.lastEvictions = hits, misses, evictions
}

func resultLabel(e wire.Errno) string {
	if e.Ok() {
		return "ok"
	}
	return e.Error()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
