package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoopTickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_tick_failures_total",
		Help:      "Ticks that returned an error or panicked.",
	}, []string{"loop"})

	SettlementBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_batch_transitions_total",
		Help:      "Settlement batch status transitions.",
	}, []string{"status"})

	ChainTxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_tx_transitions_total",
		Help:      "Blockchain transaction status transitions.",
	}, []string{"chain", "kind", "status"})

	DepositTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_transitions_total",
		Help:      "Deposit status transitions.",
	}, []string{"chain", "status"})

	WithdrawalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_transitions_total",
		Help:      "Withdrawal status transitions.",
	}, []string{"chain", "status"})

	ForkRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fork_rollback_blocks_total",
		Help:      "Blocks removed by fork reconciliation.",
	}, []string{"chain"})

	// 非 0 即需要人工介入
	ForkAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fork_alerts_total",
		Help:      "Fork reconciliations refused (too deep or final deposits).",
	}, []string{"chain", "reason"})

	ChainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_processed_height",
		Help:      "Last ingested block height.",
	}, []string{"chain"})

	NonceResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nonce_resyncs_total",
		Help:      "Nonce resyncs against the node.",
	}, []string{"chain"})

	// sequencer 通知不重试，靠这个计数发现漏发
	SequencerNotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequencer_notify_failures_total",
		Help:      "Sequencer failure notifications that could not be delivered.",
	}, []string{"call"})
)
