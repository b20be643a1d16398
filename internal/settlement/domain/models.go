package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 金额统一存链上最小单位（整数），价格存人类可读单位。
// 索引名在 sqlite 里全库唯一，统一带表名前缀。

type Block struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Chain      string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_blocks_chain_height,priority:1;uniqueIndex:uk_blocks_chain_hash,priority:1"`
	Height     int64     `gorm:"not null;uniqueIndex:uk_blocks_chain_height,priority:2"`
	Hash       string    `gorm:"type:varchar(80);not null;uniqueIndex:uk_blocks_chain_hash,priority:2"`
	ParentHash string    `gorm:"type:varchar(80);not null"`
	BlockTime  int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (Block) TableName() string { return "blocks" }

// ChainTransaction 一笔需要上链的工作单元；创建它的处理器独占到终态
type ChainTransaction struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	Chain             string          `gorm:"type:varchar(32);not null;index:idx_chain_txs_chain_status,priority:1"`
	Kind              ChainTxKind     `gorm:"type:tinyint unsigned;not null"`
	Status            ChainTxStatus   `gorm:"type:tinyint unsigned;not null;default:0;index:idx_chain_txs_chain_status,priority:2"`
	Sender            string          `gorm:"type:varchar(80);not null;default:''"`
	To                string          `gorm:"column:to_address;type:varchar(80);not null"`
	Value             decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"`
	CallData          []byte          `gorm:"type:longblob"`
	TxHash            *string         `gorm:"type:varchar(100);index:idx_chain_txs_hash"`
	Nonce             *uint64
	BlockNumber       *int64
	LastSeenBlock     *int64
	SubmittedAt       *time.Time
	BatchHash         *string         `gorm:"type:varchar(80)"`
	// 没有回执，靠链上批次哈希判定完成
	ResolvedByHash    bool            `gorm:"not null;default:false"`
	Error             *string         `gorm:"type:text"`
	GasLimit          uint64          `gorm:"not null;default:0"`
	GasUsed           uint64          `gorm:"not null;default:0"`
	EffectiveGasPrice decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"`
	Fee               decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (ChainTransaction) TableName() string { return "blockchain_transactions" }

type SettlementBatch struct {
	ID        int64       `gorm:"primaryKey;autoIncrement"`
	Status    BatchStatus `gorm:"type:tinyint unsigned;not null;default:0;index:idx_settlement_batches_status"`
	Round     int         `gorm:"not null;default:1"`
	Error     *string     `gorm:"type:text"`
	CreatedAt time.Time   `gorm:"autoCreateTime"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime"`
}

func (SettlementBatch) TableName() string { return "settlement_batches" }

// ChainSettlementBatch 每轮（round）每条链一条；回滚后重新 prepare 会开新一轮
type ChainSettlementBatch struct {
	ID           int64            `gorm:"primaryKey;autoIncrement"`
	BatchID      int64            `gorm:"not null;uniqueIndex:uk_chain_batches_round_chain,priority:1"`
	Round        int              `gorm:"not null;uniqueIndex:uk_chain_batches_round_chain,priority:2"`
	Chain        string           `gorm:"type:varchar(32);not null;uniqueIndex:uk_chain_batches_round_chain,priority:3"`
	Status       ChainBatchStatus `gorm:"type:tinyint unsigned;not null;default:0"`
	BatchHash    string           `gorm:"type:varchar(80);not null"`
	PrepareTxID  int64            `gorm:"not null"`
	SubmitTxID   *int64
	RollbackTxID *int64
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (ChainSettlementBatch) TableName() string { return "chain_settlement_batches" }

// Trade 撮合结果，由 sequencer 侧写入，只有结算协调器会修改
type Trade struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	TradeID           string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_trades_trade_id"`
	MarketID          string          `gorm:"type:varchar(64);not null"`
	BuyerWallet       string          `gorm:"type:varchar(80);not null"`
	SellerWallet      string          `gorm:"type:varchar(80);not null"`
	BuyOrderID        string          `gorm:"type:varchar(64);not null"`
	SellOrderID       string          `gorm:"type:varchar(64);not null"`
	Amount            decimal.Decimal `gorm:"type:decimal(65,0);not null"` // base 最小单位
	Price             decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	PriceLevel        int64           `gorm:"not null;default:0"`
	BuyerFee          decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"` // quote 最小单位
	SellerFee         decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"`
	SettlementStatus  TradeStatus     `gorm:"type:tinyint unsigned;not null;default:0;index:idx_trades_status"`
	SettlementBatchID *int64          `gorm:"index:idx_trades_batch"`
	Error             *string         `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (Trade) TableName() string { return "trades" }

type Deposit struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement"`
	Chain              string          `gorm:"type:varchar(32);not null;index:idx_deposits_chain_status,priority:1"`
	Wallet             string          `gorm:"type:varchar(80);not null"`
	Symbol             string          `gorm:"type:varchar(32);not null"`
	Amount             decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	TxHash             string          `gorm:"type:varchar(100);not null;uniqueIndex:uk_deposits_tx_hash"`
	BlockNumber        int64           `gorm:"not null;default:0"`
	BlockHash          string          `gorm:"type:varchar(80);not null;default:'';index:idx_deposits_block_hash"`
	Status             DepositStatus   `gorm:"type:tinyint unsigned;not null;default:0;index:idx_deposits_chain_status,priority:2"`
	Resubmittable      bool            `gorm:"not null;default:false"`
	CreditedAt         *time.Time      // 非空 = 已入账，保证只加一次
	ChainTransactionID *int64
	Error              *string   `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (Deposit) TableName() string { return "deposits" }

// IsFinal 已经产生经济效果（入账或交给 sequencer），分叉时不能自动回滚
func (d *Deposit) IsFinal() bool {
	if d.CreditedAt != nil {
		return true
	}
	switch d.Status {
	case DepositSentToSequencer, DepositSettling, DepositComplete:
		return true
	}
	return false
}

type Withdrawal struct {
	ID                 int64               `gorm:"primaryKey;autoIncrement"`
	Chain              string              `gorm:"type:varchar(32);not null;index:idx_withdrawals_chain_status,priority:1"`
	Wallet             string              `gorm:"type:varchar(80);not null"`
	Symbol             string              `gorm:"type:varchar(32);not null"`
	Amount             decimal.Decimal     `gorm:"type:decimal(65,0);not null"` // 0 = 全部提走，实际金额以链上事件为准
	ActualAmount       decimal.NullDecimal `gorm:"type:decimal(65,0)"`
	Nonce              uint64              `gorm:"not null"`
	Signature          string              `gorm:"type:varchar(200);not null"`
	Status             WithdrawalStatus    `gorm:"type:tinyint unsigned;not null;default:0;index:idx_withdrawals_chain_status,priority:2;check:chk_withdrawals_settling,status <> 2 OR (chain_transaction_id IS NOT NULL AND tx_payload IS NOT NULL)"`
	TxPayload          []byte              `gorm:"type:blob"`
	ChainTransactionID *int64              `gorm:"index:idx_withdrawals_chain_tx"`
	Error              *string             `gorm:"type:text"`
	CreatedAt          time.Time           `gorm:"autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"autoUpdateTime"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

// NonceRecord Nonce 为 nil 表示必须向节点重新同步
type NonceRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Chain     string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_nonces_chain_address,priority:1"`
	Address   string    `gorm:"type:varchar(80);not null;uniqueIndex:uk_nonces_chain_address,priority:2"`
	Nonce     *uint64
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (NonceRecord) TableName() string { return "nonces" }

// ExchangeBalance 链下账本
type ExchangeBalance struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Wallet    string          `gorm:"type:varchar(80);not null;uniqueIndex:uk_balances_wallet_symbol,priority:1"`
	Symbol    string          `gorm:"type:varchar(32);not null;uniqueIndex:uk_balances_wallet_symbol,priority:2"`
	Amount    decimal.Decimal `gorm:"type:decimal(65,0);not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (ExchangeBalance) TableName() string { return "exchange_balances" }

// LockLease 咨询锁：一行一个整数 key，holder 为空或过期即可抢占
type LockLease struct {
	Key       int64     `gorm:"column:lock_key;primaryKey;autoIncrement:false"`
	Holder    string    `gorm:"type:varchar(64);not null;default:''"`
	ExpiresAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (LockLease) TableName() string { return "lock_leases" }

type Utxo struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	Chain          string          `gorm:"type:varchar(32);not null;uniqueIndex:uk_utxos_outpoint,priority:1"`
	TxID           string          `gorm:"type:varchar(80);not null;uniqueIndex:uk_utxos_outpoint,priority:2"`
	Vout           uint32          `gorm:"not null;uniqueIndex:uk_utxos_outpoint,priority:3"`
	Address        string          `gorm:"type:varchar(100);not null;index:idx_utxos_address"`
	Amount         decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	BlockHash      string          `gorm:"type:varchar(80);not null;index:idx_utxos_block_hash"`
	SpentTxID      *string         `gorm:"type:varchar(80)"`
	SpentBlockHash *string         `gorm:"type:varchar(80);index:idx_utxos_spent_block_hash"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
}

func (Utxo) TableName() string { return "utxos" }

type LinkedSigner struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Chain     string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_linked_signers_log,priority:1"`
	TxHash    string    `gorm:"type:varchar(100);not null;uniqueIndex:uk_linked_signers_log,priority:2"`
	LogIndex  uint      `gorm:"not null;uniqueIndex:uk_linked_signers_log,priority:3"`
	Wallet    string    `gorm:"type:varchar(80);not null;index:idx_linked_signers_wallet"`
	Signer    string    `gorm:"type:varchar(80);not null"`
	BlockHash string    `gorm:"type:varchar(80);not null;index:idx_linked_signers_block_hash"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (LinkedSigner) TableName() string { return "linked_signers" }

// SovereignWithdrawal 用户绕过交易所直接在合约上发起的提现请求
type SovereignWithdrawal struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Chain     string          `gorm:"type:varchar(32);not null;uniqueIndex:uk_sovereign_withdrawals_log,priority:1"`
	TxHash    string          `gorm:"type:varchar(100);not null;uniqueIndex:uk_sovereign_withdrawals_log,priority:2"`
	LogIndex  uint            `gorm:"not null;uniqueIndex:uk_sovereign_withdrawals_log,priority:3"`
	Wallet    string          `gorm:"type:varchar(80);not null"`
	Symbol    string          `gorm:"type:varchar(32);not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(65,0);not null"`
	BlockHash string          `gorm:"type:varchar(80);not null;index:idx_sovereign_withdrawals_block_hash"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

func (SovereignWithdrawal) TableName() string { return "sovereign_withdrawals" }

// BalanceIndex Arch 上同一币种的所有钱包余额存在一个共享账户里，按槽位下标寻址
type BalanceIndex struct {
	ID                 int64              `gorm:"primaryKey;autoIncrement"`
	Wallet             string             `gorm:"type:varchar(80);not null;uniqueIndex:uk_balance_indexes_wallet_symbol,priority:1"`
	Symbol             string             `gorm:"type:varchar(32);not null;uniqueIndex:uk_balance_indexes_wallet_symbol,priority:2"`
	SlotIndex          *uint32
	Status             BalanceIndexStatus `gorm:"type:tinyint unsigned;not null;default:0;index:idx_balance_indexes_status"`
	ChainTransactionID *int64
	Error              *string   `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (BalanceIndex) TableName() string { return "balance_indexes" }

// AllModels AutoMigrate 用
func AllModels() []interface{} {
	return []interface{}{
		&Block{}, &ChainTransaction{}, &SettlementBatch{}, &ChainSettlementBatch{},
		&Trade{}, &Deposit{}, &Withdrawal{}, &NonceRecord{}, &ExchangeBalance{},
		&LockLease{}, &Utxo{}, &LinkedSigner{}, &SovereignWithdrawal{},
		&BalanceIndex{}, &ArchAccount{},
	}
}
