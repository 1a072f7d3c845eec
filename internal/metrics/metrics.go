// Package metrics holds the Prometheus collectors for pass issuance and redemption.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as label values.
const (
	ReasonCapacity    = "capacity"
	ReasonNotFound    = "not_found"
	ReasonRedeemed    = "already_redeemed"
	ReasonMismatch    = "credential_mismatch"
	ReasonForbidden   = "forbidden"
	ReasonUnavailable = "unavailable"
	ReasonOther       = "other"
)

type Metrics struct {
	Issued         prometheus.Counter
	IssueReused    prometheus.Counter
	IssueRejected  *prometheus.CounterVec
	Redeemed       prometheus.Counter
	RedeemRejected *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
}

// New registers the collectors with reg. Each registry may hold one Metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounter(prometheus.CounterOpts{
			Name: "epass_issued_total",
			Help: "E-passes created.",
		}),
		IssueReused: f.NewCounter(prometheus.CounterOpts{
			Name: "epass_issue_reused_total",
			Help: "Issue requests answered with an existing e-pass.",
		}),
		IssueRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epass_issue_rejected_total",
			Help: "Issue requests that failed, by reason.",
		}, []string{"reason"}),
		Redeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "epass_redeemed_total",
			Help: "E-passes marked used.",
		}),
		RedeemRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epass_redeem_rejected_total",
			Help: "Redeem requests that failed, by reason.",
		}, []string{"reason"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epass_operation_seconds",
			Help:    "Latency of e-pass operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Observe records the time elapsed since start under op.
func (m *Metrics) Observe(op string, start time.Time) {
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
