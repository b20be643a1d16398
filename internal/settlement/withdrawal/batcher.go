// Package withdrawal 提现：交给 sequencer 扣款后按批上链
package withdrawal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

const (
	reasonBatchReverted = "withdrawal batch reverted"
	reasonEncode        = "invalid withdrawal: "
)

type Store interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	WithdrawalsForUpdate(ctx context.Context, chain string, status domain.WithdrawalStatus, limit int) ([]*domain.Withdrawal, error)
	SetWithdrawalPayload(ctx context.Context, id int64, payload []byte) error
	MarkWithdrawalsSettling(ctx context.Context, ids []int64, txID int64) (int64, error)
	WithdrawalsByChainTx(ctx context.Context, txID int64) ([]*domain.Withdrawal, error)
	UpdateWithdrawalIf(ctx context.Context, id int64, from domain.WithdrawalStatus, updates map[string]interface{}) (bool, error)

	CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error
	InFlightChainTx(ctx context.Context, chain string, kind domain.ChainTxKind) (*domain.ChainTransaction, error)

	CreditBalance(ctx context.Context, wallet, symbol string, delta decimal.Decimal) error
}

type Sequencer interface {
	// Withdraw 撮合侧冻结并扣减；KindClient 表示被拒绝（余额不足、签名不对）
	Withdraw(ctx context.Context, w *domain.Withdrawal) error
	FailWithdraw(ctx context.Context, w *domain.Withdrawal, reason string) error
}

type Config struct {
	MinBatchSize int           `yaml:"min_batch_size" mapstructure:"min_batch_size"`
	MaxBatchSize int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MaxBatchWait time.Duration `yaml:"max_batch_wait" mapstructure:"max_batch_wait"`
}

func (c *Config) SetDefaults() {
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 10 * time.Second
	}
}

// Batcher 单链提现：Pending -> Sequenced -> Settling -> Complete | Failed
type Batcher struct {
	chain   string
	store   Store
	locker  domain.Locker
	driver  *chain.Driver
	builder chain.WithdrawalBuilder
	seq     Sequencer
	cache   domain.BalanceCache
	cfg     Config
	now     func() time.Time
}

func New(chainName string, store Store, locker domain.Locker, driver *chain.Driver, builder chain.WithdrawalBuilder, seq Sequencer, cache domain.BalanceCache, cfg Config) *Batcher {
	cfg.SetDefaults()
	if cache == nil {
		cache = domain.NopBalanceCache{}
	}
	return &Batcher{
		chain:   chainName,
		store:   store,
		locker:  locker,
		driver:  driver,
		builder: builder,
		seq:     seq,
		cache:   cache,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (b *Batcher) Chain() string { return b.chain }

func (b *Batcher) transition(ctx context.Context, w *domain.Withdrawal, to domain.WithdrawalStatus, updates map[string]interface{}) (bool, error) {
	updates["status"] = to
	ok, err := b.store.UpdateWithdrawalIf(ctx, w.ID, w.Status, updates)
	if err != nil || !ok {
		return ok, err
	}
	metrics.WithdrawalTransitions.WithLabelValues(b.chain, to.String()).Inc()
	logger.Info(ctx, "withdrawal transition",
		zap.String("chain", b.chain),
		zap.Int64("id", w.ID),
		zap.String("wallet", w.Wallet),
		zap.String("from", w.Status.String()),
		zap.String("to", to.String()),
	)
	w.Status = to
	return true, nil
}

// SequencePendingWithdrawals 交给 sequencer 扣款；被拒绝的直接失败，其他错误下轮重试
func (b *Batcher) SequencePendingWithdrawals(ctx context.Context) (bool, error) {
	var rows []*domain.Withdrawal
	err := b.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		rows, err = b.store.WithdrawalsForUpdate(ctx, b.chain, domain.WithdrawalPending, b.cfg.MaxBatchSize)
		return err
	})
	if err != nil {
		return false, err
	}

	worked := false
	for _, w := range rows {
		var (
			ok  bool
			err error
		)
		if serr := b.seq.Withdraw(ctx, w); serr != nil {
			if !xerr.Is(serr, xerr.KindClient) {
				logger.Warn(ctx, "sequencer withdraw failed, will retry", zap.Int64("id", w.ID), zap.Error(serr))
				continue
			}
			ok, err = b.transition(ctx, w, domain.WithdrawalFailed, map[string]interface{}{"error": serr.Error()})
		} else {
			ok, err = b.transition(ctx, w, domain.WithdrawalSequenced, map[string]interface{}{})
		}
		if err != nil {
			return worked, err
		}
		worked = worked || ok
	}
	return worked, nil
}

// ProcessWithdrawals 同一链同时只有一笔提现批次在途
func (b *Batcher) ProcessWithdrawals(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, b.locker, domain.ChainLockKey(domain.LockWithdrawal, b.chain), func(ctx context.Context) (bool, error) {
		worked := false
		err := b.store.Transaction(ctx, func(ctx context.Context) error {
			inflight, err := b.store.InFlightChainTx(ctx, b.chain, domain.KindWithdrawalBatch)
			if err != nil {
				return err
			}
			if inflight != nil {
				worked, err = b.advance(ctx, inflight)
				return err
			}
			worked, err = b.startBatch(ctx)
			return err
		})
		return worked, err
	})
}

func (b *Batcher) startBatch(ctx context.Context) (bool, error) {
	rows, err := b.store.WithdrawalsForUpdate(ctx, b.chain, domain.WithdrawalSequenced, b.cfg.MaxBatchSize)
	if err != nil || len(rows) == 0 {
		return false, err
	}
	if len(rows) < b.cfg.MinBatchSize && b.now().Sub(rows[0].CreatedAt) < b.cfg.MaxBatchWait {
		return false, nil
	}

	worked := false
	var (
		batch    []*domain.Withdrawal
		payloads [][]byte
	)
	for _, w := range rows {
		if w.TxPayload == nil {
			payload, err := b.builder.EncodeWithdrawal(ctx, w)
			if err != nil {
				if err := b.fail(ctx, w, reasonEncode+err.Error()); err != nil {
					return false, err
				}
				worked = true
				continue
			}
			if err := b.store.SetWithdrawalPayload(ctx, w.ID, payload); err != nil {
				return false, err
			}
			w.TxPayload = payload
		}
		batch = append(batch, w)
		payloads = append(payloads, w.TxPayload)
	}
	if len(batch) == 0 {
		return worked, nil
	}

	tx, err := b.builder.BuildWithdrawalBatch(ctx, payloads)
	if err != nil {
		return false, err
	}
	if err := b.store.CreateChainTx(ctx, tx); err != nil {
		return false, err
	}
	ids := make([]int64, 0, len(batch))
	for _, w := range batch {
		ids = append(ids, w.ID)
	}
	n, err := b.store.MarkWithdrawalsSettling(ctx, ids, tx.ID)
	if err != nil {
		return false, err
	}
	metrics.WithdrawalTransitions.WithLabelValues(b.chain, domain.WithdrawalSettling.String()).Add(float64(n))
	if _, err := b.driver.Advance(ctx, tx); err != nil {
		return false, err
	}
	logger.Info(ctx, "withdrawal batch started",
		zap.String("chain", b.chain),
		zap.Int64("tx", tx.ID),
		zap.Int("withdrawals", len(batch)),
		zap.Stringp("batch_hash", tx.BatchHash),
	)
	return true, nil
}

func (b *Batcher) advance(ctx context.Context, tx *domain.ChainTransaction) (bool, error) {
	res, err := b.driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}
	return b.Settle(ctx, tx, res)
}

// Settle 按批次交易的终态结算名下提现，非终态只报告有没有推进。
// 重启对账推进完成的交易也从这里交回
func (b *Batcher) Settle(ctx context.Context, tx *domain.ChainTransaction, res *chain.Result) (bool, error) {
	switch tx.Status {
	case domain.ChainTxCompleted:
		var out *chain.Outcome
		if res != nil {
			out = res.Outcome
		}
		return true, b.complete(ctx, tx, out)
	case domain.ChainTxFailed:
		rows, err := b.store.WithdrawalsByChainTx(ctx, tx.ID)
		if err != nil {
			return false, err
		}
		reason := reasonBatchReverted
		if tx.Error != nil {
			reason = *tx.Error
		}
		for _, w := range rows {
			if w.Status != domain.WithdrawalSettling {
				continue
			}
			if err := b.fail(ctx, w, reason); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return res != nil && res.Changed(), nil
}

// complete 按链上事件逐笔结算。
// 靠批次哈希判定完成的批次整批都已执行，找不到事件的按申请金额完成；
// 其余没有事件的留在 Settling 等人工核对
func (b *Batcher) complete(ctx context.Context, tx *domain.ChainTransaction, out *chain.Outcome) error {
	rows, err := b.store.WithdrawalsByChainTx(ctx, tx.ID)
	if err != nil {
		return err
	}
	for _, w := range rows {
		if w.Status != domain.WithdrawalSettling {
			continue
		}
		var (
			wo chain.WithdrawalOutcome
			ok bool
		)
		if out != nil {
			wo, ok = out.Withdrawals[w.ID]
		}
		if !ok && out != nil && out.Resolved && w.Amount.IsPositive() {
			metrics.ForkAlerts.WithLabelValues(b.chain, "withdrawal_outcome_assumed").Inc()
			logger.Warn(ctx, "withdrawal event not found, completing at requested amount",
				zap.String("chain", b.chain),
				zap.Int64("id", w.ID),
				zap.Int64("tx", tx.ID),
				zap.String("amount", w.Amount.String()),
			)
			wo, ok = chain.WithdrawalOutcome{Success: true, Amount: w.Amount}, true
		}
		if !ok {
			metrics.ForkAlerts.WithLabelValues(b.chain, "withdrawal_outcome_unknown").Inc()
			logger.Error(ctx, "withdrawal outcome unknown",
				zap.String("chain", b.chain),
				zap.Int64("id", w.ID),
				zap.Int64("tx", tx.ID),
				zap.Stringp("tx_hash", tx.TxHash),
			)
			continue
		}
		if !wo.Success {
			if err := b.fail(ctx, w, wo.Error); err != nil {
				return err
			}
			continue
		}

		// 金额 0 表示全部提走，以事件里的实际金额为准
		amount := wo.Amount
		if _, err := b.transition(ctx, w, domain.WithdrawalComplete, map[string]interface{}{
			"actual_amount": decimal.NewNullDecimal(amount),
		}); err != nil {
			return err
		}
		if err := b.store.CreditBalance(ctx, w.Wallet, w.Symbol, amount.Neg()); err != nil {
			return err
		}
		if err := b.cache.Invalidate(ctx, w.Wallet, w.Symbol); err != nil {
			logger.Warn(ctx, "balance cache invalidate failed", zap.String("wallet", w.Wallet), zap.Error(err))
		}
	}
	return nil
}

func (b *Batcher) fail(ctx context.Context, w *domain.Withdrawal, reason string) error {
	ok, err := b.transition(ctx, w, domain.WithdrawalFailed, map[string]interface{}{"error": reason})
	if err != nil || !ok {
		return err
	}
	// 退回冻结只记录失败，sequencer 按提现 id 幂等，由运维补发
	if err := b.seq.FailWithdraw(ctx, w, reason); err != nil {
		metrics.SequencerNotifyFailures.WithLabelValues("fail_withdraw").Inc()
		logger.Error(ctx, "sequencer fail withdraw failed",
			zap.String("chain", b.chain),
			zap.Int64("id", w.ID),
			zap.Error(err),
		)
	}
	return nil
}
