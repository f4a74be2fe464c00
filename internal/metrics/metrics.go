// Package metrics 集中定义 Prometheus 指标，通过 /metrics 暴露
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coinledger_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	// LedgerOpsTotal 账本操作结果，outcome 为 ok / 错误分类 / 业务结果（already_owned、not_awarded 等）
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinledger_ledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"operation", "outcome"})

	TxConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinledger_tx_conflicts_total",
		Help: "Optimistic concurrency conflicts that caused a transaction retry",
	})

	ReconcileItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinledger_reconcile_items_total",
		Help: "Reconciliation items by result",
	}, []string{"result"})

	BalanceDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinledger_balance_drift_total",
		Help: "Accounts whose balance disagrees with their latest audit record",
	})

	OutboxSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinledger_outbox_messages_total",
		Help: "Outbox deliveries by result",
	}, []string{"result"})
)
