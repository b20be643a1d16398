package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

var (
	ErrForkTooDeep        = errors.New("fork deeper than max rollback")
	ErrFinalDepositInFork = errors.New("final deposit anchored in orphaned block")
)

const forkRollbackReason = "Fork rollback"

// Source 各链的区块来源
type Source interface {
	Chain() string
	GetBlockHeight(ctx context.Context) (int64, error)
	FetchBlock(ctx context.Context, height int64) (*domain.StandardBlock, error)
}

type Store interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	LastBlock(ctx context.Context, chain string) (*domain.Block, error)
	RecentBlocks(ctx context.Context, chain string, limit int) ([]*domain.Block, error)
	InsertBlock(ctx context.Context, b *domain.Block) error
	DeleteBlock(ctx context.Context, chain, hash string) error

	UpsertDeposit(ctx context.Context, d *domain.Deposit) error
	DepositByTxHash(ctx context.Context, txHash string) (*domain.Deposit, error)
	DepositsByBlockHash(ctx context.Context, chain, blockHash string) ([]*domain.Deposit, error)
	UpdateDepositIf(ctx context.Context, id int64, from domain.DepositStatus, updates map[string]interface{}) (bool, error)

	InsertUtxos(ctx context.Context, rows []*domain.Utxo) error
	SpendUtxos(ctx context.Context, chain string, spends []domain.OutPoint, blockHash string) error
	UnspendByBlock(ctx context.Context, chain, blockHash string) error
	DeleteUtxosByBlock(ctx context.Context, chain, blockHash string) error

	InsertLinkedSigners(ctx context.Context, rows []*domain.LinkedSigner) error
	InsertSovereignWithdrawals(ctx context.Context, rows []*domain.SovereignWithdrawal) error
	DeleteEventsByBlock(ctx context.Context, chain, blockHash string) error
}

type Config struct {
	// 首次启动从 tip - BlockLookback 开始
	BlockLookback    int64 `yaml:"block_lookback" mapstructure:"block_lookback"`
	MaxRollback      int   `yaml:"max_rollback" mapstructure:"max_rollback"`
	MaxBlocksPerTick int   `yaml:"max_blocks_per_tick" mapstructure:"max_blocks_per_tick"`
}

func (c *Config) SetDefaults() {
	if c.BlockLookback <= 0 {
		c.BlockLookback = 100
	}
	if c.MaxRollback <= 0 {
		c.MaxRollback = 64
	}
	if c.MaxBlocksPerTick <= 0 {
		c.MaxBlocksPerTick = 50
	}
}

// Ingestor 单链区块入库 + 分叉回滚
type Ingestor struct {
	chain  string
	source Source
	store  Store
	locker domain.Locker
	cfg    Config
}

func New(source Source, store Store, locker domain.Locker, cfg Config) *Ingestor {
	cfg.SetDefaults()
	return &Ingestor{chain: source.Chain(), source: source, store: store, locker: locker, cfg: cfg}
}

func (g *Ingestor) Chain() string { return g.chain }

// ProcessBlocks 从上次的高度往后扫；父哈希对不上就先回滚，本轮不再前进
func (g *Ingestor) ProcessBlocks(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, g.locker, domain.ChainLockKey(domain.LockIngest, g.chain), g.processBlocks)
}

func (g *Ingestor) processBlocks(ctx context.Context) (bool, error) {
	tip, err := g.source.GetBlockHeight(ctx)
	if err != nil {
		return false, err
	}
	last, err := g.store.LastBlock(ctx, g.chain)
	if err != nil {
		return false, err
	}

	next := tip - g.cfg.BlockLookback
	if next < 0 {
		next = 0
	}
	if last != nil {
		next = last.Height + 1
	}

	processed := 0
	for ; next <= tip && processed < g.cfg.MaxBlocksPerTick; next++ {
		block, err := g.source.FetchBlock(ctx, next)
		if err != nil {
			return processed > 0, err
		}
		if last != nil && block.ParentHash != last.Hash {
			logger.Warn(ctx, "🚨 fork detected",
				zap.String("chain", g.chain),
				zap.Int64("height", block.Height),
				zap.String("local_hash", last.Hash),
				zap.String("parent_hash", block.ParentHash),
			)
			removed, err := g.Reconcile(ctx)
			return processed > 0 || removed > 0, err
		}

		stored, err := g.ingest(ctx, block)
		if err != nil {
			return processed > 0, err
		}
		last = stored
		processed++
	}

	if last != nil {
		metrics.ChainHeight.WithLabelValues(g.chain).Set(float64(last.Height))
	}
	return processed > 0, nil
}

// ingest 一个块的所有副作用在同一个事务里
func (g *Ingestor) ingest(ctx context.Context, block *domain.StandardBlock) (*domain.Block, error) {
	row := &domain.Block{
		Chain:      g.chain,
		Height:     block.Height,
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
		BlockTime:  block.Time,
	}
	err := g.store.Transaction(ctx, func(ctx context.Context) error {
		if err := g.store.InsertBlock(ctx, row); err != nil {
			return err
		}
		if len(block.Spends) > 0 {
			if err := g.store.SpendUtxos(ctx, g.chain, block.Spends, block.Hash); err != nil {
				return err
			}
		}
		if len(block.Outputs) > 0 {
			utxos := make([]*domain.Utxo, 0, len(block.Outputs))
			for _, o := range block.Outputs {
				utxos = append(utxos, &domain.Utxo{
					Chain:     g.chain,
					TxID:      o.TxID,
					Vout:      o.Vout,
					Address:   o.Address,
					Amount:    o.Amount,
					BlockHash: block.Hash,
				})
			}
			if err := g.store.InsertUtxos(ctx, utxos); err != nil {
				return err
			}
		}
		for _, d := range block.Deposits {
			if err := g.upsertDeposit(ctx, block, d); err != nil {
				return err
			}
		}
		return g.insertEvents(ctx, block)
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %s block %d: %w", g.chain, block.Height, err)
	}
	logger.Debug(ctx, "block ingested",
		zap.String("chain", g.chain),
		zap.Int64("height", block.Height),
		zap.Int("deposits", len(block.Deposits)),
	)
	return row, nil
}

func (g *Ingestor) upsertDeposit(ctx context.Context, block *domain.StandardBlock, d domain.ObservedDeposit) error {
	if err := g.store.UpsertDeposit(ctx, &domain.Deposit{
		Chain:       g.chain,
		Wallet:      d.Wallet,
		Symbol:      d.Symbol,
		Amount:      d.Amount,
		TxHash:      d.TxHash,
		BlockNumber: block.Height,
		BlockHash:   block.Hash,
		Status:      domain.DepositPending,
	}); err != nil {
		return err
	}
	// 被分叉回滚过的充值重新上链，回到 Pending 重新走确认
	cur, err := g.store.DepositByTxHash(ctx, d.TxHash)
	if err != nil || cur == nil {
		return err
	}
	if cur.Status == domain.DepositFailed && cur.Resubmittable && cur.Error != nil && *cur.Error == forkRollbackReason {
		_, err = g.store.UpdateDepositIf(ctx, cur.ID, domain.DepositFailed, map[string]interface{}{
			"status":        domain.DepositPending,
			"resubmittable": false,
			"error":         nil,
		})
		if err == nil {
			logger.Info(ctx, "deposit re-included after fork", zap.String("chain", g.chain), zap.String("tx", d.TxHash))
		}
	}
	return err
}

func (g *Ingestor) insertEvents(ctx context.Context, block *domain.StandardBlock) error {
	if len(block.LinkedSigners) > 0 {
		rows := make([]*domain.LinkedSigner, 0, len(block.LinkedSigners))
		for _, e := range block.LinkedSigners {
			rows = append(rows, &domain.LinkedSigner{
				Chain: g.chain, TxHash: e.TxHash, LogIndex: e.LogIndex,
				Wallet: e.Wallet, Signer: e.Signer, BlockHash: block.Hash,
			})
		}
		if err := g.store.InsertLinkedSigners(ctx, rows); err != nil {
			return err
		}
	}
	if len(block.SovereignWithdrawals) > 0 {
		rows := make([]*domain.SovereignWithdrawal, 0, len(block.SovereignWithdrawals))
		for _, e := range block.SovereignWithdrawals {
			rows = append(rows, &domain.SovereignWithdrawal{
				Chain: g.chain, TxHash: e.TxHash, LogIndex: e.LogIndex,
				Wallet: e.Wallet, Symbol: e.Symbol, Amount: e.Amount, BlockHash: block.Hash,
			})
		}
		if err := g.store.InsertSovereignWithdrawals(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile 从最高块往回对比节点上的哈希，找到共同祖先后删掉分叉出去的块。
// 超过 MaxRollback 或分叉块上有已生效的充值时拒绝回滚并告警，返回删除的块数。
func (g *Ingestor) Reconcile(ctx context.Context) (int, error) {
	tip, err := g.source.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	stored, err := g.store.RecentBlocks(ctx, g.chain, g.cfg.MaxRollback+1)
	if err != nil {
		return 0, err
	}

	var orphaned []*domain.Block
	for _, b := range stored {
		if b.Height <= tip {
			canonical, err := g.source.FetchBlock(ctx, b.Height)
			if err != nil {
				return 0, err
			}
			if canonical.Hash == b.Hash {
				break
			}
		}
		orphaned = append(orphaned, b)
	}
	if len(orphaned) == 0 {
		return 0, nil
	}
	if len(orphaned) > g.cfg.MaxRollback {
		metrics.ForkAlerts.WithLabelValues(g.chain, "too_deep").Inc()
		logger.Error(ctx, "🚨 fork exceeds max rollback, manual intervention required",
			zap.String("chain", g.chain),
			zap.Int("max_rollback", g.cfg.MaxRollback),
			zap.Int64("from_height", orphaned[0].Height),
		)
		return 0, xerr.Wrap(xerr.KindFork, fmt.Errorf("%w: chain=%s more than %d blocks", ErrForkTooDeep, g.chain, g.cfg.MaxRollback))
	}

	err = g.store.Transaction(ctx, func(ctx context.Context) error {
		for _, b := range orphaned {
			if err := g.rollbackBlock(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrFinalDepositInFork) {
			metrics.ForkAlerts.WithLabelValues(g.chain, "final_deposit").Inc()
		}
		return 0, err
	}

	metrics.ForkRollbacks.WithLabelValues(g.chain).Add(float64(len(orphaned)))
	logger.Warn(ctx, "fork rolled back",
		zap.String("chain", g.chain),
		zap.Int("blocks", len(orphaned)),
		zap.Int64("from_height", orphaned[len(orphaned)-1].Height),
		zap.Int64("to_height", orphaned[0].Height),
	)
	return len(orphaned), nil
}

func (g *Ingestor) rollbackBlock(ctx context.Context, b *domain.Block) error {
	deposits, err := g.store.DepositsByBlockHash(ctx, g.chain, b.Hash)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		if d.IsFinal() {
			logger.Error(ctx, "🚨 final deposit in orphaned block, refusing rollback",
				zap.String("chain", g.chain),
				zap.Int64("height", b.Height),
				zap.String("tx", d.TxHash),
				zap.String("status", d.Status.String()),
			)
			return xerr.Wrap(xerr.KindFork, fmt.Errorf("%w: deposit %d (%s)", ErrFinalDepositInFork, d.ID, d.TxHash))
		}
	}
	for _, d := range deposits {
		if d.Status == domain.DepositFailed {
			continue
		}
		ok, err := g.store.UpdateDepositIf(ctx, d.ID, d.Status, map[string]interface{}{
			"status":        domain.DepositFailed,
			"resubmittable": true,
			"error":         forkRollbackReason,
		})
		if err != nil {
			return err
		}
		if ok {
			metrics.DepositTransitions.WithLabelValues(g.chain, domain.DepositFailed.String()).Inc()
		}
	}
	if err := g.store.UnspendByBlock(ctx, g.chain, b.Hash); err != nil {
		return err
	}
	if err := g.store.DeleteUtxosByBlock(ctx, g.chain, b.Hash); err != nil {
		return err
	}
	if err := g.store.DeleteEventsByBlock(ctx, g.chain, b.Hash); err != nil {
		return err
	}
	return g.store.DeleteBlock(ctx, g.chain, b.Hash)
}
