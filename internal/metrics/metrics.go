package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fasket_automation_emits_total",
			Help: "Outbox emits by result",
		},
		[]string{"result"}, // created|deduped|error
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fasket_automation_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // sent|failed|dead|misconfigured|deferred|circuit_open
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fasket_automation_delivery_duration_seconds",
			Help:    "Webhook round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	OpsAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fasket_automation_ops_alerts_total",
			Help: "Ops alerts raised (after dedupe) by type",
		},
		[]string{"type"},
	)

	ScheduledJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fasket_automation_scheduled_jobs_total",
			Help: "Delivery jobs scheduled by backend",
		},
		[]string{"backend"}, // redis|memory
	)

	StuckOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fasket_automation_stuck_orders",
			Help: "Orders past their status threshold at the last scan",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors on r. Later calls are no-ops, so serve and the
// embedded workers can both call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			EmitsTotal,
			DeliveriesTotal,
			DeliveryDuration,
			OpsAlertsTotal,
			ScheduledJobsTotal,
			StuckOrders,
		)
	})
}
