package deposit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
)

const (
	reasonReceiptMissing = "receipt not found"
	reasonReverted       = "deposit transaction reverted"
	reasonZeroAmount     = "no deposit amount on chain"
)

type Store interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	DepositByTxHash(ctx context.Context, txHash string) (*domain.Deposit, error)
	DepositsForUpdate(ctx context.Context, chain string, status domain.DepositStatus, limit int) ([]*domain.Deposit, error)
	DepositsByChainTx(ctx context.Context, txID int64) ([]*domain.Deposit, error)
	UpdateDepositIf(ctx context.Context, id int64, from domain.DepositStatus, updates map[string]interface{}) (bool, error)
	MarkDepositCredited(ctx context.Context, id int64) (bool, error)
	MarkDepositsSettling(ctx context.Context, ids []int64, txID int64) error
	CreditBalance(ctx context.Context, wallet, symbol string, delta decimal.Decimal) error

	CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error
	InFlightChainTx(ctx context.Context, chain string, kind domain.ChainTxKind) (*domain.ChainTransaction, error)

	RequestBalanceIndex(ctx context.Context, wallet, symbol string) error
	AssignedIndexes(ctx context.Context, symbol string, wallets []string) (map[string]uint32, error)
}

// Sequencer 充值确认后交给撮合侧记账
type Sequencer interface {
	Deposit(ctx context.Context, d *domain.Deposit) error
}

type Config struct {
	Confirmations  int64         `yaml:"deposit_confirmations" mapstructure:"deposit_confirmations"`
	ReceiptMaxWait time.Duration `yaml:"receipt_max_wait" mapstructure:"receipt_max_wait"`
	BatchSize      int           `yaml:"deposit_batch_size" mapstructure:"deposit_batch_size"`
}

func (c *Config) SetDefaults() {
	if c.Confirmations <= 0 {
		c.Confirmations = 12
	}
	if c.ReceiptMaxWait <= 0 {
		c.ReceiptMaxWait = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Pipeline 单链充值：Pending -> Confirmed -> SentToSequencer -> Complete
type Pipeline struct {
	chain    string
	store    Store
	locker   domain.Locker
	verifier chain.DepositVerifier
	seq      Sequencer
	cache    domain.BalanceCache
	cfg      Config
	now      func() time.Time

	// 仅 Arch
	credit *archCredit
}

func New(chainName string, store Store, locker domain.Locker, verifier chain.DepositVerifier, seq Sequencer, cache domain.BalanceCache, cfg Config) *Pipeline {
	cfg.SetDefaults()
	if cache == nil {
		cache = domain.NopBalanceCache{}
	}
	return &Pipeline{
		chain:    chainName,
		store:    store,
		locker:   locker,
		verifier: verifier,
		seq:      seq,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (p *Pipeline) Chain() string { return p.chain }

func (p *Pipeline) transition(ctx context.Context, d *domain.Deposit, to domain.DepositStatus, updates map[string]interface{}) (bool, error) {
	updates["status"] = to
	ok, err := p.store.UpdateDepositIf(ctx, d.ID, d.Status, updates)
	if err != nil || !ok {
		return ok, err
	}
	metrics.DepositTransitions.WithLabelValues(p.chain, to.String()).Inc()
	logger.Info(ctx, "deposit transition",
		zap.String("chain", p.chain),
		zap.Int64("id", d.ID),
		zap.String("tx", d.TxHash),
		zap.String("from", d.Status.String()),
		zap.String("to", to.String()),
	)
	d.Status = to
	return true, nil
}

// RefreshPendingDeposits 回查 Pending 充值的回执，深度够了用链上金额覆盖并置 Confirmed
func (p *Pipeline) RefreshPendingDeposits(ctx context.Context) (bool, error) {
	worked := false
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		rows, err := p.store.DepositsForUpdate(ctx, p.chain, domain.DepositPending, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, d := range rows {
			changed, err := p.refresh(ctx, d)
			if err != nil {
				return err
			}
			worked = worked || changed
		}
		return nil
	})
	return worked, err
}

func (p *Pipeline) refresh(ctx context.Context, d *domain.Deposit) (bool, error) {
	r, err := p.verifier.VerifyDeposit(ctx, d)
	if err != nil {
		return false, err
	}
	switch {
	case !r.Found:
		if p.now().Sub(d.CreatedAt) <= p.cfg.ReceiptMaxWait {
			return false, nil
		}
		return p.transition(ctx, d, domain.DepositFailed, map[string]interface{}{
			"resubmittable": true,
			"error":         reasonReceiptMissing,
		})
	case !r.Success:
		return p.transition(ctx, d, domain.DepositFailed, map[string]interface{}{
			"resubmittable": false,
			"error":         reasonReverted,
		})
	case r.Confirmations < p.cfg.Confirmations:
		return false, nil
	case !r.Amount.IsPositive():
		return p.transition(ctx, d, domain.DepositFailed, map[string]interface{}{
			"resubmittable": false,
			"error":         reasonZeroAmount,
		})
	}
	if !r.Amount.Equal(d.Amount) {
		logger.Warn(ctx, "deposit amount corrected from receipt",
			zap.String("tx", d.TxHash),
			zap.String("scanned", d.Amount.String()),
			zap.String("onchain", r.Amount.String()),
		)
	}
	return p.transition(ctx, d, domain.DepositConfirmed, map[string]interface{}{
		"amount":       r.Amount,
		"block_number": r.BlockNumber,
		"block_hash":   r.BlockHash,
	})
}

// creditOnce CreditedAt 兜底，重复调用不会二次入账
func (p *Pipeline) creditOnce(ctx context.Context, d *domain.Deposit) error {
	ok, err := p.store.MarkDepositCredited(ctx, d.ID)
	if err != nil || !ok {
		return err
	}
	if err := p.store.CreditBalance(ctx, d.Wallet, d.Symbol, d.Amount); err != nil {
		return err
	}
	if err := p.cache.Invalidate(ctx, d.Wallet, d.Symbol); err != nil {
		logger.Warn(ctx, "balance cache invalidate failed", zap.String("wallet", d.Wallet), zap.Error(err))
	}
	return nil
}

// ForwardConfirmedDeposits 先入账再通知 sequencer；通知失败下轮重试，不会重复入账
func (p *Pipeline) ForwardConfirmedDeposits(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, p.locker, domain.ChainLockKey(domain.LockDeposit, p.chain), p.forwardConfirmed)
}

func (p *Pipeline) forwardConfirmed(ctx context.Context) (bool, error) {
	var rows []*domain.Deposit
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		rows, err = p.store.DepositsForUpdate(ctx, p.chain, domain.DepositConfirmed, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, d := range rows {
			if err := p.creditOnce(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	worked := false
	for _, d := range rows {
		if err := p.seq.Deposit(ctx, d); err != nil {
			logger.Warn(ctx, "sequencer deposit failed, will retry",
				zap.String("chain", p.chain),
				zap.Int64("id", d.ID),
				zap.Error(err),
			)
			continue
		}
		ok, err := p.transition(ctx, d, domain.DepositSentToSequencer, map[string]interface{}{})
		if err != nil {
			return worked, err
		}
		worked = worked || ok
	}
	return worked, nil
}

// HandleDepositCompleted sequencer 回报入账完成
func (p *Pipeline) HandleDepositCompleted(ctx context.Context, txHash string) error {
	d, err := p.store.DepositByTxHash(ctx, txHash)
	if err != nil {
		return err
	}
	if d == nil || d.Chain != p.chain {
		return nil
	}
	if d.Status != domain.DepositSentToSequencer {
		logger.Debug(ctx, "ignore deposit completion", zap.String("tx", txHash), zap.String("status", d.Status.String()))
		return nil
	}
	_, err = p.transition(ctx, d, domain.DepositComplete, map[string]interface{}{})
	return err
}
