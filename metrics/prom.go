package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_paste_burned_total",
		Help: "no. of burn after reading pastes deleted on read",
	})
	PasteExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_paste_expired_total",
		Help: "no. of expired pastes deleted on read",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_paste_deleted_total",
		Help: "no. of pastes deleted with a delete token",
	})
	CommentCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_comment_created_total",
		Help: "no. of comments created",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crybin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	TrafficLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crybin_traffic_limit_hits_total",
			Help: "no. of submissions rejected by the traffic limiter",
		},
		[]string{"kind"},
	)
	PurgeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_purge_cycles_total",
		Help: "no. of purge cycles that passed the purge limiter",
	})
	PurgeDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crybin_purge_deleted_total",
		Help: "no. of expired pastes deleted by purge",
	})
	StorageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crybin_storage_failures_total",
			Help: "no. of storage backend failures",
		},
		[]string{"backend", "op"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crybin_recent_error_rate_percent",
		Help: "share of 5xx responses over the last five minutes",
	})
)
