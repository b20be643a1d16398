package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

const (
	reasonPrepareReverted = "settlement prepare reverted"
	reasonTradeRejected   = "trade rejected by settlement"
)

type chainStep func(ctx context.Context, ch Chain, cb *domain.ChainSettlementBatch) (bool, error)

// fanOut 每条链一个 goroutine，各自一个事务、锁住自己的链批次
func (c *Coordinator) fanOut(ctx context.Context, cbs []*domain.ChainSettlementBatch, match func(domain.ChainBatchStatus) bool, step chainStep) (bool, error) {
	var worked atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, cb := range cbs {
		if !match(cb.Status) {
			continue
		}
		ch, err := c.chain(cb.Chain)
		if err != nil {
			return false, err
		}
		id, status := cb.ID, cb.Status
		g.Go(func() error {
			return c.store.Transaction(gctx, func(ctx context.Context) error {
				locked, err := c.store.ChainBatchForUpdate(ctx, id)
				if err != nil {
					return err
				}
				if locked == nil || locked.Status != status {
					return nil
				}
				ok, err := step(ctx, ch, locked)
				if err != nil {
					return fmt.Errorf("chain %s: %w", locked.Chain, err)
				}
				if ok {
					worked.Store(true)
				}
				return nil
			})
		})
	}
	err := g.Wait()
	return worked.Load(), err
}

func statusIn(want ...domain.ChainBatchStatus) func(domain.ChainBatchStatus) bool {
	return func(s domain.ChainBatchStatus) bool {
		for _, w := range want {
			if s == w {
				return true
			}
		}
		return false
	}
}

func (c *Coordinator) advancePreparing(ctx context.Context, batch *domain.SettlementBatch) (bool, error) {
	cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
	if err != nil {
		return false, err
	}
	worked, err := c.fanOut(ctx, cbs, statusIn(domain.ChainBatchPreparing), func(ctx context.Context, ch Chain, cb *domain.ChainSettlementBatch) (bool, error) {
		return c.advancePrepare(ctx, batch.ID, ch, cb)
	})
	if err != nil {
		return worked, err
	}
	concluded, err := c.concludePrepare(ctx)
	return worked || concluded, err
}

func (c *Coordinator) advancePrepare(ctx context.Context, batchID int64, ch Chain, cb *domain.ChainSettlementBatch) (bool, error) {
	tx, err := c.store.ChainTxForUpdate(ctx, cb.PrepareTxID)
	if err != nil {
		return false, err
	}
	res, err := ch.Driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}

	switch tx.Status {
	case domain.ChainTxCompleted:
		cb.Status = domain.ChainBatchPrepared
		if err := c.markRejectedTrades(ctx, batchID, ch, cb, res.Outcome); err != nil {
			return false, err
		}
	case domain.ChainTxFailed:
		// 这条链上什么都没留下，只有涉及这条链的成交失败；其他链的在回滚后进下一轮
		trades, err := c.store.TradesByBatch(ctx, batchID, domain.TradeSettling)
		if err != nil {
			return false, err
		}
		var ids []int64
		for _, t := range trades {
			if c.reg.MarketOnChain(t.MarketID, cb.Chain) {
				ids = append(ids, t.ID)
			}
		}
		reason := reasonPrepareReverted
		if tx.Error != nil {
			reason = *tx.Error
		}
		if err := c.store.SetTradesStatus(ctx, ids, domain.TradeFailedSettling, reason); err != nil {
			return false, err
		}
		cb.Status = domain.ChainBatchRolledBack
	default:
		return res.Changed(), nil
	}

	if err := c.store.SaveChainBatch(ctx, cb); err != nil {
		return false, err
	}
	logger.Info(ctx, "chain batch prepare finished",
		zap.Int64("batch", batchID),
		zap.String("chain", cb.Chain),
		zap.String("status", cb.Status.String()),
	)
	return true, nil
}

// markRejectedTrades prepare 完成事件里列出的失败成交 -> FailedSettling
func (c *Coordinator) markRejectedTrades(ctx context.Context, batchID int64, ch Chain, cb *domain.ChainSettlementBatch, out *chain.Outcome) error {
	if out == nil {
		return nil
	}
	if out.Resolved {
		logger.Warn(ctx, "prepare resolved by batch hash, trade outcomes recovered from events",
			zap.Int64("batch", batchID),
			zap.String("chain", cb.Chain),
			zap.Int("failed_trades", len(out.FailedTrades)),
		)
	}
	if len(out.FailedTrades) == 0 {
		return nil
	}
	rejected := make(map[string]struct{}, len(out.FailedTrades))
	for _, h := range out.FailedTrades {
		rejected[h] = struct{}{}
	}
	trades, err := c.store.TradesByBatch(ctx, batchID, domain.TradeSettling)
	if err != nil {
		return err
	}
	var ids []int64
	for _, t := range trades {
		if _, ok := rejected[ch.Builder.TradeHash(t.TradeID)]; ok {
			ids = append(ids, t.ID)
			logger.Warn(ctx, "trade rejected on chain",
				zap.Int64("batch", batchID),
				zap.String("chain", cb.Chain),
				zap.String("trade_id", t.TradeID),
			)
		}
	}
	return c.store.SetTradesStatus(ctx, ids, domain.TradeFailedSettling, reasonTradeRejected+" on "+cb.Chain)
}

// concludePrepare 所有链的 prepare 都有结果后：有失败成交就回滚，否则提交
func (c *Coordinator) concludePrepare(ctx context.Context) (bool, error) {
	worked := false
	err := c.store.Transaction(ctx, func(ctx context.Context) error {
		batch, err := c.store.CurrentBatchForUpdate(ctx)
		if err != nil || batch == nil || batch.Status != domain.BatchPreparing {
			return err
		}
		cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
		if err != nil {
			return err
		}
		for _, cb := range cbs {
			if cb.Status == domain.ChainBatchPreparing {
				return nil
			}
		}

		failed, err := c.store.TradesByBatch(ctx, batch.ID, domain.TradeFailedSettling)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			for _, t := range failed {
				reason := reasonTradeRejected
				if t.Error != nil {
					reason = *t.Error
				}
				// 通知失败只记录，sequencer 侧按成交 id 幂等，由运维补发
				if err := c.seq.FailSettlement(ctx, t, reason); err != nil {
					metrics.SequencerNotifyFailures.WithLabelValues("fail_settlement").Inc()
					logger.Error(ctx, "sequencer fail settlement failed",
						zap.Int64("batch", batch.ID),
						zap.String("trade_id", t.TradeID),
						zap.Error(err),
					)
				}
			}
			if err := c.store.SetTradesStatus(ctx, tradeIDs(failed), domain.TradeFailed, ""); err != nil {
				return err
			}
			remaining, err := c.store.TradesByBatch(ctx, batch.ID, domain.TradeSettling)
			if err != nil {
				return err
			}
			if err := c.store.SetTradesStatus(ctx, tradeIDs(remaining), domain.TradePendingRollback, ""); err != nil {
				return err
			}
			batch.Status = domain.BatchRollingBack
			if err := c.store.SaveBatch(ctx, batch); err != nil {
				return err
			}
			c.batchTransition(ctx, batch, "rolling back", zap.Int("failed_trades", len(failed)), zap.Int("remaining", len(remaining)))
			worked = true
			return nil
		}

		res, _, err := c.settlingNetting(ctx, batch.ID)
		if err != nil {
			return err
		}
		for _, cb := range cbs {
			if cb.Status != domain.ChainBatchPrepared {
				continue
			}
			if err := c.buildSubmit(ctx, cb, res); err != nil {
				return err
			}
		}
		batch.Status = domain.BatchSubmitting
		if err := c.store.SaveBatch(ctx, batch); err != nil {
			return err
		}
		c.batchTransition(ctx, batch, "submitting")
		worked = true
		return nil
	})
	return worked, err
}

// buildSubmit 重新编码必须得到 prepare 时的哈希，否则说明成交集合被改动过
func (c *Coordinator) buildSubmit(ctx context.Context, cb *domain.ChainSettlementBatch, res *netting.Result) error {
	ch, err := c.chain(cb.Chain)
	if err != nil {
		return err
	}
	cn := res.Chains[cb.Chain]
	if cn == nil {
		return xerr.Wrap(xerr.KindInvariant, fmt.Errorf("chain batch %d has no adjustments on %s", cb.ID, cb.Chain))
	}
	payload, hash, err := ch.Builder.EncodeSettlement(ctx, cn)
	if err != nil {
		return err
	}
	if hash != cb.BatchHash {
		return xerr.Wrap(xerr.KindInvariant, fmt.Errorf("chain batch %d hash changed: prepared %s, now %s", cb.ID, cb.BatchHash, hash))
	}
	tx, err := ch.Builder.BuildSubmit(ctx, payload, hash)
	if err != nil {
		return err
	}
	if err := c.store.CreateChainTx(ctx, tx); err != nil {
		return err
	}
	cb.SubmitTxID = &tx.ID
	cb.Status = domain.ChainBatchSubmitting
	return c.store.SaveChainBatch(ctx, cb)
}

func (c *Coordinator) advanceRollingBack(ctx context.Context, batch *domain.SettlementBatch) (bool, error) {
	cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
	if err != nil {
		return false, err
	}
	worked, err := c.fanOut(ctx, cbs, statusIn(domain.ChainBatchPrepared, domain.ChainBatchRollingBack), c.advanceRollback)
	if err != nil {
		return worked, err
	}
	concluded, err := c.concludeRollback(ctx)
	return worked || concluded, err
}

func (c *Coordinator) advanceRollback(ctx context.Context, ch Chain, cb *domain.ChainSettlementBatch) (bool, error) {
	if cb.Status == domain.ChainBatchPrepared {
		tx, err := ch.Builder.BuildRollback(ctx)
		if err != nil {
			return false, err
		}
		if err := c.store.CreateChainTx(ctx, tx); err != nil {
			return false, err
		}
		cb.RollbackTxID = &tx.ID
		cb.Status = domain.ChainBatchRollingBack
		if err := c.store.SaveChainBatch(ctx, cb); err != nil {
			return false, err
		}
		_, err = ch.Driver.Advance(ctx, tx)
		return true, err
	}

	tx, err := c.store.ChainTxForUpdate(ctx, *cb.RollbackTxID)
	if err != nil {
		return false, err
	}
	res, err := ch.Driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}
	switch tx.Status {
	case domain.ChainTxCompleted:
		cb.Status = domain.ChainBatchRolledBack
	case domain.ChainTxFailed:
		// 下一轮重建回滚交易
		logger.Error(ctx, "settlement rollback failed, retrying",
			zap.Int64("batch", cb.BatchID),
			zap.String("chain", cb.Chain),
			zap.Stringp("error", tx.Error),
		)
		cb.Status = domain.ChainBatchPrepared
		cb.RollbackTxID = nil
	default:
		return res.Changed(), nil
	}
	return true, c.store.SaveChainBatch(ctx, cb)
}

// concludeRollback 全部回滚完：剩余成交开新一轮 prepare，没有剩余则批次结束
func (c *Coordinator) concludeRollback(ctx context.Context) (bool, error) {
	worked := false
	err := c.store.Transaction(ctx, func(ctx context.Context) error {
		batch, err := c.store.CurrentBatchForUpdate(ctx)
		if err != nil || batch == nil || batch.Status != domain.BatchRollingBack {
			return err
		}
		cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
		if err != nil {
			return err
		}
		for _, cb := range cbs {
			if cb.Status != domain.ChainBatchRolledBack && cb.Status != domain.ChainBatchCompleted {
				return nil
			}
		}

		remaining, err := c.store.TradesByBatch(ctx, batch.ID, domain.TradePendingRollback)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			batch.Status = domain.BatchCompleted
			if err := c.store.SaveBatch(ctx, batch); err != nil {
				return err
			}
			c.batchTransition(ctx, batch, "completed")
			worked = true
			return nil
		}

		res, err := netting.Compute(ctx, remaining, c.reg)
		if err != nil {
			return err
		}
		ready, err := c.ensureReady(ctx, res)
		if err != nil || !ready {
			return err
		}
		if err := c.store.SetTradesStatus(ctx, tradeIDs(remaining), domain.TradeSettling, ""); err != nil {
			return err
		}
		batch.Round++
		batch.Status = domain.BatchPreparing
		if err := c.store.SaveBatch(ctx, batch); err != nil {
			return err
		}
		if err := c.prepareRound(ctx, batch, res); err != nil {
			return err
		}
		c.batchTransition(ctx, batch, "re-prepared", zap.Int("trades", len(remaining)))
		worked = true
		return nil
	})
	return worked, err
}

func (c *Coordinator) advanceSubmitting(ctx context.Context, batch *domain.SettlementBatch) (bool, error) {
	cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
	if err != nil {
		return false, err
	}
	worked, err := c.fanOut(ctx, cbs, statusIn(domain.ChainBatchSubmitting, domain.ChainBatchSubmitted), c.advanceSubmit)
	if err != nil {
		return worked, err
	}
	concluded, err := c.concludeSubmit(ctx)
	return worked || concluded, err
}

func (c *Coordinator) advanceSubmit(ctx context.Context, ch Chain, cb *domain.ChainSettlementBatch) (bool, error) {
	tx, err := c.store.ChainTxForUpdate(ctx, *cb.SubmitTxID)
	if err != nil {
		return false, err
	}
	res, err := ch.Driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}
	switch tx.Status {
	case domain.ChainTxConfirmed:
		if cb.Status != domain.ChainBatchSubmitting {
			return res.Changed(), nil
		}
		cb.Status = domain.ChainBatchSubmitted
	case domain.ChainTxCompleted:
		cb.Status = domain.ChainBatchCompleted
	case domain.ChainTxFailed:
		// prepare 已经在链上，只能换一笔 submit 重试，不能回滚到别的链已完成的状态
		logger.Error(ctx, "settlement submit failed, rebuilding",
			zap.Int64("batch", cb.BatchID),
			zap.String("chain", cb.Chain),
			zap.Stringp("error", tx.Error),
		)
		nr, _, err := c.settlingNetting(ctx, cb.BatchID)
		if err != nil {
			return false, err
		}
		return true, c.buildSubmit(ctx, cb, nr)
	default:
		return res.Changed(), nil
	}
	return true, c.store.SaveChainBatch(ctx, cb)
}

func (c *Coordinator) concludeSubmit(ctx context.Context) (bool, error) {
	worked := false
	err := c.store.Transaction(ctx, func(ctx context.Context) error {
		batch, err := c.store.CurrentBatchForUpdate(ctx)
		if err != nil || batch == nil {
			return err
		}
		if batch.Status != domain.BatchSubmitting && batch.Status != domain.BatchSubmitted {
			return nil
		}
		cbs, err := c.store.ChainBatches(ctx, batch.ID, batch.Round)
		if err != nil {
			return err
		}
		submitted, completed := true, true
		for _, cb := range cbs {
			switch cb.Status {
			case domain.ChainBatchCompleted:
			case domain.ChainBatchSubmitted:
				completed = false
			default:
				submitted, completed = false, false
			}
		}
		if batch.Status == domain.BatchSubmitting && submitted {
			batch.Status = domain.BatchSubmitted
			if err := c.store.SaveBatch(ctx, batch); err != nil {
				return err
			}
			c.batchTransition(ctx, batch, "submitted")
			worked = true
		}
		if batch.Status == domain.BatchSubmitted && completed {
			if err := c.finalize(ctx, batch, cbs); err != nil {
				return err
			}
			worked = true
		}
		return nil
	})
	return worked, err
}

// finalize 成交完成；触及的 (wallet, symbol) 用 submit 所在块的链上余额覆盖
func (c *Coordinator) finalize(ctx context.Context, batch *domain.SettlementBatch, cbs []*domain.ChainSettlementBatch) error {
	res, trades, err := c.settlingNetting(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		if err := c.replaceBalances(ctx, cb, res.Chains[cb.Chain]); err != nil {
			return err
		}
	}
	if err := c.store.SetTradesStatus(ctx, tradeIDs(trades), domain.TradeCompleted, ""); err != nil {
		return err
	}
	batch.Status = domain.BatchCompleted
	if err := c.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	c.batchTransition(ctx, batch, "completed", zap.Int("trades", len(trades)))
	return nil
}

func (c *Coordinator) replaceBalances(ctx context.Context, cb *domain.ChainSettlementBatch, cn *netting.ChainNetting) error {
	ch, err := c.chain(cb.Chain)
	if err != nil || ch.Balances == nil || cn == nil || cb.SubmitTxID == nil {
		return err
	}
	tx, err := c.store.ChainTxForUpdate(ctx, *cb.SubmitTxID)
	if err != nil {
		return err
	}
	// 靠批次哈希判定完成的没有打包块号，读最新状态
	block := chain.LatestBlock
	if tx != nil && tx.BlockNumber != nil {
		block = *tx.BlockNumber
	}
	pairs := cn.Touched()
	balances, err := ch.Balances.ReadBalances(ctx, pairs, block)
	if err != nil {
		return fmt.Errorf("read balances %s: %w", cb.Chain, err)
	}
	for _, p := range pairs {
		amount, ok := balances[p]
		if !ok {
			logger.Warn(ctx, "balance missing from chain read", zap.String("chain", cb.Chain), zap.String("wallet", p.Wallet), zap.String("symbol", p.Symbol))
			continue
		}
		if err := c.store.ReplaceBalance(ctx, p.Wallet, p.Symbol, amount); err != nil {
			return err
		}
		if err := c.cache.Invalidate(ctx, p.Wallet, p.Symbol); err != nil {
			logger.Warn(ctx, "balance cache invalidate failed", zap.String("wallet", p.Wallet), zap.Error(err))
		}
	}
	return nil
}
