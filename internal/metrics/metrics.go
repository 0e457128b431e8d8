package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunneld"

// Metrics holds the counters of every periodic task
type Metrics struct {
	InvoicesPolled    *prometheus.CounterVec
	InvoicesCredited  prometheus.Counter
	SatoshisSwept     prometheus.Counter
	AccountsActivated prometheus.Counter
	AccountsExpired   prometheus.Counter
	PoolExhausted     prometheus.Counter
	TunnelPasses      *prometheus.CounterVec
	TunnelOps         *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
}

// New creates the metric set and registers it on reg. A nil reg leaves the
// metrics unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvoicesPolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_polled_total",
			Help:      "Invoice polls segmented by outcome.",
		}, []string{"outcome"}),
		InvoicesCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_credited_total",
			Help:      "Invoices whose payment extended an account.",
		}),
		SatoshisSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "satoshis_swept_total",
			Help:      "Satoshis moved from invoice addresses to the merchant address.",
		}),
		AccountsActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "accounts_activated_total",
			Help:      "Accounts switched from inactive to active.",
		}),
		AccountsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "accounts_expired_total",
			Help:      "Accounts deactivated by the expiration sweep.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Address claims that failed because no address was free.",
		}),
		TunnelPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "sync_passes_total",
			Help:      "Tunnel reconciliation passes segmented by outcome.",
		}, []string{"outcome"}),
		TunnelOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "operations_total",
			Help:      "Corrective tunnel operations segmented by kind.",
		}, []string{"op"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of periodic task passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.InvoicesPolled,
			m.InvoicesCredited,
			m.SatoshisSwept,
			m.AccountsActivated,
			m.AccountsExpired,
			m.PoolExhausted,
			m.TunnelPasses,
			m.TunnelOps,
			m.TaskDuration,
		)
	}
	return m
}
