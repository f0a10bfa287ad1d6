// Package metrics exposes Prometheus instrumentation for the payment gate.
// All Collector methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the gate's Prometheus metrics.
type Collector struct {
	challenges     *prometheus.CounterVec
	verifyTotal    *prometheus.CounterVec
	settleAttempts prometheus.Counter
	settleTotal    *prometheus.CounterVec
	settleDuration prometheus.Histogram
}

// New creates a Collector and registers its metrics with reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "payment_challenges_total",
			Help:      "Payment-challenge responses issued, by reason code.",
		}, []string{"code"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "verifications_total",
			Help:      "Facilitator verify calls, by outcome.",
		}, []string{"outcome"}),
		settleAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "settle_attempts_total",
			Help:      "Individual facilitator settle attempts, including retries.",
		}),
		settleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "settlements_total",
			Help:      "Settlement outcomes after retries, by result.",
		}, []string{"result"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "settle_duration_seconds",
			Help:      "Wall time of the settlement phase, including backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	reg.MustRegister(c.challenges, c.verifyTotal, c.settleAttempts, c.settleTotal, c.settleDuration)
	return c
}

// Challenge records a payment-challenge response with its reason code.
func (c *Collector) Challenge(code string) {
	if c == nil {
		return
	}
	c.challenges.WithLabelValues(code).Inc()
}

// Verify records the outcome of a facilitator verify call:
// "valid", "rejected", or "error".
func (c *Collector) Verify(outcome string) {
	if c == nil {
		return
	}
	c.verifyTotal.WithLabelValues(outcome).Inc()
}

// SettleAttempt records one facilitator settle attempt.
func (c *Collector) SettleAttempt() {
	if c == nil {
		return
	}
	c.settleAttempts.Inc()
}

// Settle records the final settlement result ("success", "skipped",
// "failed", "unavailable") and the phase duration.
func (c *Collector) Settle(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.settleTotal.WithLabelValues(result).Inc()
	c.settleDuration.Observe(d.Seconds())
}
