// Package coordinator 驱动结算批次：prepare -> submit -> 完成，有失败成交时回滚并开新一轮
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

var ErrNoChainEngine = errors.New("no settlement engine for chain")

type Store interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error

	PendingTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	TradesByBatch(ctx context.Context, batchID int64, statuses ...domain.TradeStatus) ([]*domain.Trade, error)
	AssignTradesToBatch(ctx context.Context, ids []int64, batchID int64) error
	SetTradesStatus(ctx context.Context, ids []int64, status domain.TradeStatus, errMsg string) error

	CurrentBatchForUpdate(ctx context.Context) (*domain.SettlementBatch, error)
	CreateBatch(ctx context.Context, b *domain.SettlementBatch) error
	SaveBatch(ctx context.Context, b *domain.SettlementBatch) error
	CreateChainBatch(ctx context.Context, cb *domain.ChainSettlementBatch) error
	SaveChainBatch(ctx context.Context, cb *domain.ChainSettlementBatch) error
	ChainBatches(ctx context.Context, batchID int64, round int) ([]*domain.ChainSettlementBatch, error)
	ChainBatchForUpdate(ctx context.Context, id int64) (*domain.ChainSettlementBatch, error)

	CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error
	ChainTxForUpdate(ctx context.Context, id int64) (*domain.ChainTransaction, error)

	ReplaceBalance(ctx context.Context, wallet, symbol string, amount decimal.Decimal) error
}

// Sequencer 通知撮合侧成交结算失败，由它退回冻结资金
type Sequencer interface {
	FailSettlement(ctx context.Context, t *domain.Trade, reason string) error
}

// Chain 一条链上结算需要的能力
type Chain struct {
	Driver  *chain.Driver
	Builder chain.SettlementBuilder
	// 为空则完成后不覆盖链下余额
	Balances chain.BalanceReader
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

type Coordinator struct {
	store  Store
	locker domain.Locker
	reg    *domain.Registry
	chains map[string]Chain
	seq    Sequencer
	cache  domain.BalanceCache
	cfg    Config
	now    func() time.Time
}

func New(store Store, locker domain.Locker, reg *domain.Registry, chains map[string]Chain, seq Sequencer, cache domain.BalanceCache, cfg Config) *Coordinator {
	cfg.SetDefaults()
	if cache == nil {
		cache = domain.NopBalanceCache{}
	}
	return &Coordinator{
		store:  store,
		locker: locker,
		reg:    reg,
		chains: chains,
		seq:    seq,
		cache:  cache,
		cfg:    cfg,
		now:    time.Now,
	}
}

// ProcessSettlementBatch 全局单写；锁被别人持有时什么都不做
func (c *Coordinator) ProcessSettlementBatch(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, c.locker, domain.GlobalBatchLockKey, c.tick)
}

func (c *Coordinator) tick(ctx context.Context) (bool, error) {
	var batch *domain.SettlementBatch
	err := c.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		batch, err = c.store.CurrentBatchForUpdate(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	if batch == nil {
		return c.startBatch(ctx)
	}

	switch batch.Status {
	case domain.BatchPreparing:
		return c.advancePreparing(ctx, batch)
	case domain.BatchRollingBack:
		return c.advanceRollingBack(ctx, batch)
	case domain.BatchSubmitting, domain.BatchSubmitted:
		return c.advanceSubmitting(ctx, batch)
	}
	return false, nil
}

// startBatch 取 Pending 成交开新批次；轧差失败整个事务回滚，不落任何状态
func (c *Coordinator) startBatch(ctx context.Context) (bool, error) {
	started := false
	err := c.store.Transaction(ctx, func(ctx context.Context) error {
		trades, err := c.store.PendingTrades(ctx, c.cfg.MaxBatchSize)
		if err != nil || len(trades) == 0 {
			return err
		}
		if len(trades) < c.cfg.MinBatchSize && c.now().Sub(trades[0].CreatedAt) < c.cfg.MaxBatchWait {
			return nil
		}

		res, err := netting.Compute(ctx, trades, c.reg)
		if err != nil {
			return err
		}
		ready, err := c.ensureReady(ctx, res)
		if err != nil || !ready {
			return err
		}

		batch := &domain.SettlementBatch{Status: domain.BatchPreparing, Round: 1}
		if err := c.store.CreateBatch(ctx, batch); err != nil {
			return err
		}
		if err := c.store.AssignTradesToBatch(ctx, tradeIDs(trades), batch.ID); err != nil {
			return err
		}
		if err := c.prepareRound(ctx, batch, res); err != nil {
			return err
		}
		c.batchTransition(ctx, batch, "started", zap.Int("trades", len(trades)))
		started = true
		return nil
	})
	return started, err
}

// ensureReady Arch 需要先给钱包分好余额槽位；没就绪的链只登记申请，批次下轮再开
func (c *Coordinator) ensureReady(ctx context.Context, res *netting.Result) (bool, error) {
	ready := true
	for _, name := range res.ChainNames() {
		ch, err := c.chain(name)
		if err != nil {
			return false, err
		}
		r, ok := ch.Builder.(chain.SettlementReadiness)
		if !ok {
			continue
		}
		ok, err = r.EnsureReady(ctx, res.Chains[name])
		if err != nil {
			return false, err
		}
		if !ok {
			logger.Info(ctx, "settlement waiting for chain readiness", zap.String("chain", name))
			ready = false
		}
	}
	return ready, nil
}

// prepareRound 每条有调整的链一笔 prepare 交易和一条链批次
func (c *Coordinator) prepareRound(ctx context.Context, batch *domain.SettlementBatch, res *netting.Result) error {
	for _, name := range res.ChainNames() {
		ch, err := c.chain(name)
		if err != nil {
			return err
		}
		payload, hash, err := ch.Builder.EncodeSettlement(ctx, res.Chains[name])
		if err != nil {
			return fmt.Errorf("encode settlement %s: %w", name, err)
		}
		tx, err := ch.Builder.BuildPrepare(ctx, payload, hash)
		if err != nil {
			return fmt.Errorf("build prepare %s: %w", name, err)
		}
		if err := c.store.CreateChainTx(ctx, tx); err != nil {
			return err
		}
		cb := &domain.ChainSettlementBatch{
			BatchID:     batch.ID,
			Round:       batch.Round,
			Chain:       name,
			Status:      domain.ChainBatchPreparing,
			BatchHash:   hash,
			PrepareTxID: tx.ID,
		}
		if err := c.store.CreateChainBatch(ctx, cb); err != nil {
			return err
		}
		logger.Info(ctx, "chain batch prepared for submission",
			zap.Int64("batch", batch.ID),
			zap.Int("round", batch.Round),
			zap.String("chain", name),
			zap.String("batch_hash", hash),
		)
	}
	return nil
}

func (c *Coordinator) chain(name string) (Chain, error) {
	ch, ok := c.chains[name]
	if !ok {
		return Chain{}, xerr.Wrap(xerr.KindInvariant, fmt.Errorf("%w: %s", ErrNoChainEngine, name))
	}
	return ch, nil
}

// settlingNetting 用批次内仍在结算的成交重算轧差；同一组成交得到同一个批次哈希
func (c *Coordinator) settlingNetting(ctx context.Context, batchID int64) (*netting.Result, []*domain.Trade, error) {
	trades, err := c.store.TradesByBatch(ctx, batchID, domain.TradeSettling)
	if err != nil {
		return nil, nil, err
	}
	res, err := netting.Compute(ctx, trades, c.reg)
	if err != nil {
		return nil, nil, err
	}
	return res, trades, nil
}

func (c *Coordinator) batchTransition(ctx context.Context, b *domain.SettlementBatch, event string, fields ...zap.Field) {
	metrics.SettlementBatches.WithLabelValues(b.Status.String()).Inc()
	logger.Info(ctx, "settlement batch "+event, append([]zap.Field{
		zap.Int64("batch", b.ID),
		zap.Int("round", b.Round),
		zap.String("status", b.Status.String()),
	}, fields...)...)
}

func tradeIDs(trades []*domain.Trade) []int64 {
	ids := make([]int64, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.ID)
	}
	return ids
}
