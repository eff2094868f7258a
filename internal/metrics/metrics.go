package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_messages_total",
			Help: "Campaign messages by terminal outcome",
		},
		[]string{"outcome"}, // sent|failed|delivered
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_batches_total",
			Help: "Batch jobs by processing result",
		},
		[]string{"result"}, // acked|requeued|dead|empty
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_ratelimit_rejections_total",
			Help: "Admission checks rejected by scope",
		},
		[]string{"scope"}, // account|tenant
	)

	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_credits_total",
			Help: "Credits moved through the ledger by operation",
		},
		[]string{"op"}, // debit|credit|refund
	)

	DeadJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campd_dead_jobs_total",
			Help: "Batch jobs moved to the dead state after exhausting retries",
		},
	)

	DeliveryReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_delivery_reports_total",
			Help: "Delivery reports by application result",
		},
		[]string{"result"}, // applied|duplicate|unknown
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		BatchesTotal,
		RateLimitRejections,
		CreditsTotal,
		DeadJobsTotal,
		DeliveryReportsTotal,
	)
}
