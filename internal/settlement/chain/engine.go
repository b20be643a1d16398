package chain

import (
	"context"

	"github.com/shopspring/decimal"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
)

// Status 一次轮询看到的交易状态
type Status struct {
	// 节点能看到（mempool 或已打包）
	Visible      bool
	Receipt      *Receipt
	CurrentBlock int64
}

type Receipt struct {
	Success           bool
	BlockNumber       int64
	BlockHash         string
	Confirmations     int64
	GasUsed           uint64
	EffectiveGasPrice decimal.Decimal
	Fee               decimal.Decimal
	RevertReason      string
	// 引擎自己的原始回执，ExtractOutcome 用
	Raw interface{}
}

type WithdrawalOutcome struct {
	Success bool
	Amount  decimal.Decimal
	Error   string
}

// Outcome 交易完成后从链上解析出的业务结果
type Outcome struct {
	// 链上标识（见 SettlementBuilder.TradeHash）
	FailedTrades []string
	Withdrawals  map[int64]WithdrawalOutcome
	// 没有回执，靠链上权威哈希判定完成，拿不到事件
	Resolved bool
}

// OutcomeRecoverer 可选：交易靠批次哈希判定完成、拿不到回执时，从链上事件找回逐笔结果。
// 找不到的条目不出现在返回值里
type OutcomeRecoverer interface {
	RecoverOutcome(ctx context.Context, tx *domain.ChainTransaction) (*Outcome, error)
}

// Engine 一条链的交易引擎，EVM 与 Arch 各一个实现
type Engine interface {
	Chain() string
	// Submit 签名广播，填 TxHash/Nonce/GasLimit 等字段；调用方负责落库
	Submit(ctx context.Context, tx *domain.ChainTransaction) error
	PollStatus(ctx context.Context, tx *domain.ChainTransaction) (*Status, error)
	ExtractOutcome(ctx context.Context, tx *domain.ChainTransaction, receipt *Receipt) (*Outcome, error)
	// AuthoritativeBatchHash 合约/程序里记录的最近批次哈希；ok=false 表示该类交易没有
	AuthoritativeBatchHash(ctx context.Context, kind domain.ChainTxKind) (hash string, ok bool, err error)
	ClearNonce(ctx context.Context) error
}

// SettlementBuilder 结算批次编码；同一份 netting 必须得到同一个 payload 和哈希
type SettlementBuilder interface {
	EncodeSettlement(ctx context.Context, n *netting.ChainNetting) (payload []byte, batchHash string, err error)
	BuildPrepare(ctx context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error)
	BuildSubmit(ctx context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error)
	BuildRollback(ctx context.Context) (*domain.ChainTransaction, error)
	// TradeHash 成交在链上的标识，和 Outcome.FailedTrades 对应
	TradeHash(tradeID string) string
}

// SettlementReadiness 可选：编码前确认依赖已就绪（Arch 的余额槽位）
type SettlementReadiness interface {
	EnsureReady(ctx context.Context, n *netting.ChainNetting) (bool, error)
}

type WithdrawalBuilder interface {
	EncodeWithdrawal(ctx context.Context, w *domain.Withdrawal) ([]byte, error)
	BuildWithdrawalBatch(ctx context.Context, payloads [][]byte) (*domain.ChainTransaction, error)
}

type DepositCreditBuilder interface {
	BuildDepositCredit(ctx context.Context, deposits []*domain.Deposit) (*domain.ChainTransaction, error)
}

// LatestBlock 传给 ReadBalances 表示读最新状态
const LatestBlock int64 = 0

// BalanceReader 读取指定区块的链上余额，结算完成后覆盖链下账本；atBlock <= 0 读最新
type BalanceReader interface {
	ReadBalances(ctx context.Context, pairs []netting.WalletSymbol, atBlock int64) (map[netting.WalletSymbol]decimal.Decimal, error)
}

// Confirmations 打包所在块算 1 个确认
func Confirmations(current, included int64) int64 {
	if included <= 0 || current < included {
		return 0
	}
	return current - included + 1
}

// DepositReceipt 充值交易的链上情况
type DepositReceipt struct {
	Found         bool
	Success       bool
	BlockNumber   int64
	BlockHash     string
	Confirmations int64
	// 链上实际到账金额，覆盖区块扫描时记录的值
	Amount decimal.Decimal
}

type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, d *domain.Deposit) (*DepositReceipt, error)
}
