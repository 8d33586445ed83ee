package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GateCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_gate_created_total",
		Help: "no. of access gates created",
	})
	GateRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_gate_removed_total",
		Help: "no. of access gates removed",
	})
	PasswordChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_password_checks_total",
			Help: "no. of gate password verifications",
		},
		[]string{"result"},
	)
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_recovery_attempts_total",
			Help: "no. of security-answer verifications",
		},
		[]string{"result"},
	)
	PasswordResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_password_resets_total",
		Help: "no. of recovery-driven password resets",
	})
	PasswordChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_password_changes_total",
		Help: "no. of owner password changes",
	})
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_downloads_total",
			Help: "no. of gated document downloads",
		},
		[]string{"result"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_cache_hits_total",
		Help: "no. of gate cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_cache_misses_total",
		Help: "no. of gate cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docgate_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgate_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	ThrottledAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgate_throttled_attempts_total",
		Help: "no. of gate attempts rejected by the failure throttle",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docgate_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
