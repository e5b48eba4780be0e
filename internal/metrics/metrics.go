// Package metrics exposes Prometheus collectors for credential issuance and
// verification.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CredentialsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otp",
		Name:      "credentials_issued_total",
		Help:      "Credentials issued, including replacements.",
	})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otp",
		Name:      "verifications_total",
		Help:      "Verification attempts by outcome.",
	}, []string{"outcome"})

	VerificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "otp",
		Name:      "verification_duration_seconds",
		Help:      "Time spent in verification including the store round trip.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otp",
		Name:      "store_errors_total",
		Help:      "Credential store failures surfaced as transient errors.",
	}, []string{"op"})

	LedgerPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otp",
		Name:      "ledger_publish_failures_total",
		Help:      "Accepted redemptions that could not be handed to the ledger.",
	})
)

// ObserveVerification records one finished verification.
func ObserveVerification(outcome string, started time.Time) {
	Verifications.WithLabelValues(outcome).Inc()
	VerificationDuration.Observe(time.Since(started).Seconds())
}
