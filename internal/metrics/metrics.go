package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// Metrics holds every prometheus vector the engine exports. Constructed
// once per process and injected into the components that record to it.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	CampaignsCapped   *prometheus.CounterVec
	RateLimitDenied   *prometheus.CounterVec
	ChallengeConsumed *prometheus.CounterVec
	KVErrors          *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New builds and registers the metric vectors. Registration runs once even
// if New is called again (tests construct throwaway instances).
func New() *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_decisions_total",
				Help: "Total number of display decisions served.",
			},
			[]string{"store"},
		),
		CampaignsCapped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_campaigns_capped_total",
				Help: "Campaigns dropped from a decision by a frequency cap.",
			},
			[]string{"reason"},
		),
		RateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_ratelimit_denied_total",
				Help: "Requests denied by a rate limit.",
			},
			[]string{"action"},
		),
		ChallengeConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_challenge_consumed_total",
				Help: "Challenge token consumption attempts by outcome.",
			},
			[]string{"outcome"},
		),
		KVErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_kv_errors_total",
				Help: "Failed operations against the shared TTL store.",
			},
			[]string{"op"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_cache_hits_total",
				Help: "Total number of cache hits.",
			},
			[]string{"cache_name"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuse_cache_misses_total",
				Help: "Total number of cache misses.",
			},
			[]string{"cache_name"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popfuse_request_duration_seconds",
				Help:    "Histogram of API request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	registerOnce.Do(func() {
		prometheus.MustRegister(
			m.Decisions,
			m.CampaignsCapped,
			m.RateLimitDenied,
			m.ChallengeConsumed,
			m.KVErrors,
			m.CacheHits,
			m.CacheMisses,
			m.RequestDuration,
		)
	})

	return m
}
