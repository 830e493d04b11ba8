package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
)

// Metrics provides observability for the compensation engine.
type Metrics struct {
	UsersRegistered    prometheus.Counter
	Purchases          prometheus.Counter
	Payouts            *prometheus.CounterVec
	PayoutAmount       *prometheus.CounterVec
	DistributeDuration prometheus.Histogram
	Removals           prometheus.Counter
	RemoveDuration     prometheus.Histogram
	TxRetries          prometheus.Counter
	PublishFailures    prometheus.Counter
	CacheResults       *prometheus.CounterVec
	ReconcileDrift     prometheus.Counter
	ReconcileRuns      prometheus.Counter
}

// New registers every compensation metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UsersRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_users_registered_total",
			Help: "Total number of users placed in the network",
		}),
		Purchases: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_purchases_total",
			Help: "Total number of package purchases distributed",
		}),
		Payouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payplan_payouts_total",
			Help: "Total number of earnings created, by type",
		}, []string{"type"}),
		PayoutAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payplan_payout_amount_total",
			Help: "Total amount paid out, by type",
		}, []string{"type"}),
		DistributeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "payplan_distribute_duration_seconds",
			Help:    "Duration of purchase transactions including payout distribution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		Removals: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_removals_total",
			Help: "Total number of users removed from the network",
		}),
		RemoveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "payplan_remove_duration_seconds",
			Help:    "Duration of user removal including recompute",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		TxRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_tx_conflict_retries_total",
			Help: "Transactions retried after a write conflict",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_event_publish_failures_total",
			Help: "Events that could not be published after commit",
		}),
		CacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payplan_cache_results_total",
			Help: "Business info cache lookups, by result",
		}, []string{"result"}),
		ReconcileDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_reconcile_drift_total",
			Help: "Users whose balances disagreed with the ledger during reconciliation",
		}),
		ReconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "payplan_reconcile_runs_total",
			Help: "Completed reconciliation runs",
		}),
	}
}

// ObserveDistribution records one committed purchase.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveDistribution(start time.Time, dist *models.Distribution) {
	m.Purchases.Inc()
	m.DistributeDuration.Observe(time.Since(start).Seconds())
	if dist == nil {
		return
	}
	for _, e := range dist.Earnings {
		m.ObservePayout(e.Type, e.Amount)
	}
}

func (m *Metrics) ObservePayout(typ models.EarningType, amount decimal.Decimal) {
	m.Payouts.WithLabelValues(string(typ)).Inc()
	m.PayoutAmount.WithLabelValues(string(typ)).Add(amount.InexactFloat64())
}

// ObserveRemoval records one committed removal.
func (m *Metrics) ObserveRemoval(start time.Time) {
	m.Removals.Inc()
	m.RemoveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementUsersRegistered() { m.UsersRegistered.Inc() }

func (m *Metrics) IncrementTxRetries() { m.TxRetries.Inc() }

func (m *Metrics) IncrementPublishFailures() { m.PublishFailures.Inc() }

// ObserveCache records "hit", "miss" or "error".
func (m *Metrics) ObserveCache(result string) {
	m.CacheResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReconcile(drifted int) {
	m.ReconcileRuns.Inc()
	m.ReconcileDrift.Add(float64(drifted))
}
