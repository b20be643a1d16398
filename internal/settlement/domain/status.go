package domain

// 所有状态都是 uint8 落库，String() 只用于日志/指标标签

type ChainTxStatus uint8

const (
	ChainTxPending ChainTxStatus = iota
	ChainTxSubmitted
	ChainTxConfirmed // 已上链，深度未够
	ChainTxCompleted
	ChainTxFailed
)

func (s ChainTxStatus) String() string {
	switch s {
	case ChainTxPending:
		return "pending"
	case ChainTxSubmitted:
		return "submitted"
	case ChainTxConfirmed:
		return "confirmed"
	case ChainTxCompleted:
		return "completed"
	case ChainTxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ChainTxStatus) IsTerminal() bool {
	return s == ChainTxCompleted || s == ChainTxFailed
}

type ChainTxKind uint8

const (
	KindSettlementPrepare ChainTxKind = iota + 1
	KindSettlementSubmit
	KindSettlementRollback
	KindWithdrawalBatch
	KindDepositCredit
	KindIndexAssign
	KindAccountCreate
	KindAccountInit
)

// ChainTxKindByName 配置里按 String() 的名字引用交易类型
func ChainTxKindByName(name string) (ChainTxKind, bool) {
	for k := KindSettlementPrepare; k <= KindAccountInit; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

func (k ChainTxKind) String() string {
	switch k {
	case KindSettlementPrepare:
		return "settlement_prepare"
	case KindSettlementSubmit:
		return "settlement_submit"
	case KindSettlementRollback:
		return "settlement_rollback"
	case KindWithdrawalBatch:
		return "withdrawal_batch"
	case KindDepositCredit:
		return "deposit_credit"
	case KindIndexAssign:
		return "index_assign"
	case KindAccountCreate:
		return "account_create"
	case KindAccountInit:
		return "account_init"
	default:
		return "unknown"
	}
}

type BatchStatus uint8

const (
	BatchPreparing BatchStatus = iota
	BatchSubmitting
	BatchSubmitted
	BatchRollingBack
	BatchCompleted
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPreparing:
		return "preparing"
	case BatchSubmitting:
		return "submitting"
	case BatchSubmitted:
		return "submitted"
	case BatchRollingBack:
		return "rolling_back"
	case BatchCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type ChainBatchStatus uint8

const (
	ChainBatchPreparing ChainBatchStatus = iota
	ChainBatchPrepared
	ChainBatchSubmitting
	ChainBatchSubmitted
	ChainBatchCompleted
	ChainBatchRollingBack
	ChainBatchRolledBack
)

func (s ChainBatchStatus) String() string {
	switch s {
	case ChainBatchPreparing:
		return "preparing"
	case ChainBatchPrepared:
		return "prepared"
	case ChainBatchSubmitting:
		return "submitting"
	case ChainBatchSubmitted:
		return "submitted"
	case ChainBatchCompleted:
		return "completed"
	case ChainBatchRollingBack:
		return "rolling_back"
	case ChainBatchRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type TradeStatus uint8

const (
	TradePending TradeStatus = iota
	TradeSettling
	TradePendingRollback
	TradeFailedSettling
	TradeCompleted
	TradeFailed
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeSettling:
		return "settling"
	case TradePendingRollback:
		return "pending_rollback"
	case TradeFailedSettling:
		return "failed_settling"
	case TradeCompleted:
		return "completed"
	case TradeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type DepositStatus uint8

const (
	DepositPending DepositStatus = iota
	DepositConfirmed
	DepositSentToSequencer
	DepositSettling
	DepositComplete
	DepositFailed
)

func (s DepositStatus) String() string {
	switch s {
	case DepositPending:
		return "pending"
	case DepositConfirmed:
		return "confirmed"
	case DepositSentToSequencer:
		return "sent_to_sequencer"
	case DepositSettling:
		return "settling"
	case DepositComplete:
		return "complete"
	case DepositFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s DepositStatus) IsTerminal() bool {
	return s == DepositComplete || s == DepositFailed
}

type WithdrawalStatus uint8

const (
	WithdrawalPending WithdrawalStatus = iota
	WithdrawalSequenced
	WithdrawalSettling // 存储层 CHECK 约束依赖这个值是 2
	WithdrawalComplete
	WithdrawalFailed
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalPending:
		return "pending"
	case WithdrawalSequenced:
		return "sequenced"
	case WithdrawalSettling:
		return "settling"
	case WithdrawalComplete:
		return "complete"
	case WithdrawalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalComplete || s == WithdrawalFailed
}

type BalanceIndexStatus uint8

const (
	IndexPending BalanceIndexStatus = iota
	IndexAssigning
	IndexAssigned
	IndexFailed
)

func (s BalanceIndexStatus) String() string {
	switch s {
	case IndexPending:
		return "pending"
	case IndexAssigning:
		return "assigning"
	case IndexAssigned:
		return "assigned"
	case IndexFailed:
		return "failed"
	default:
		return "unknown"
	}
}
