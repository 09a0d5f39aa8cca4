package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector records handoff and consensus metrics. Outcomes are counters,
// durations are histograms, queue depth is a gauge — the exact exporter
// (pull or push) is wired by the application, not here.
type Collector struct {
	handoffsTotal    *prometheus.CounterVec
	handoffDuration  *prometheus.HistogramVec
	providerAttempts *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec

	voteSessionsTotal *prometheus.CounterVec
	voteDuration      prometheus.Histogram

	claimChecksTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg. Using
// an explicit registry (rather than promauto's default) keeps tests and
// multiple instances from colliding.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.handoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoffs by terminal outcome",
		},
		[]string{"outcome"},
	)

	c.handoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Handoff duration from initiation to terminal state",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	c.providerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider execution attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoff_queue_depth",
			Help:      "Handoffs waiting on a target agent's capacity",
		},
		[]string{"target_agent"},
	)

	c.voteSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_sessions_total",
			Help:      "Closed voting sessions by result",
		},
		[]string{"result"},
	)

	c.voteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vote_session_duration_seconds",
			Help:      "Voting session duration from open to close",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	c.claimChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_checks_total",
			Help:      "Claim validations by verdict",
		},
		[]string{"verdict"},
	)

	reg.MustRegister(
		c.handoffsTotal,
		c.handoffDuration,
		c.providerAttempts,
		c.queueDepth,
		c.voteSessionsTotal,
		c.voteDuration,
		c.claimChecksTotal,
	)
	return c
}

// RecordHandoff records one terminal handoff outcome with its duration.
func (c *Collector) RecordHandoff(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(outcome).Inc()
	c.handoffDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordProviderAttempt records one provider execution attempt.
func (c *Collector) RecordProviderAttempt(provider, result string) {
	if c == nil {
		return
	}
	c.providerAttempts.WithLabelValues(provider, result).Inc()
}

// SetQueueDepth records the number of handoffs waiting on one target agent.
func (c *Collector) SetQueueDepth(targetAgent string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(targetAgent).Set(float64(depth))
}

// RecordVoteSession records one closed voting session.
func (c *Collector) RecordVoteSession(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.voteSessionsTotal.WithLabelValues(result).Inc()
	c.voteDuration.Observe(duration.Seconds())
}

// RecordClaimCheck records one claim validation verdict.
func (c *Collector) RecordClaimCheck(verdict string) {
	if c == nil {
		return
	}
	c.claimChecksTotal.WithLabelValues(verdict).Inc()
}
