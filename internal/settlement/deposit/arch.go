package deposit

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
)

// ArchCreditBuilder Arch 上充值要由交易所发指令记到 token state
type ArchCreditBuilder interface {
	chain.DepositCreditBuilder
	ValidateWallet(wallet string) error
}

type archCredit struct {
	driver  *chain.Driver
	builder ArchCreditBuilder
}

// WithArchCredit 打开 Arch 的入账流程：Confirmed -> Settling -> Complete
func (p *Pipeline) WithArchCredit(driver *chain.Driver, builder ArchCreditBuilder) *Pipeline {
	p.credit = &archCredit{driver: driver, builder: builder}
	return p
}

// ProcessArchDeposits 一次只有一笔入账交易在途；没有在途的才开新批次
func (p *Pipeline) ProcessArchDeposits(ctx context.Context) (bool, error) {
	if p.credit == nil {
		return false, nil
	}
	return domain.WithLock(ctx, p.locker, domain.ChainLockKey(domain.LockDeposit, p.chain), func(ctx context.Context) (bool, error) {
		worked := false
		err := p.store.Transaction(ctx, func(ctx context.Context) error {
			inflight, err := p.store.InFlightChainTx(ctx, p.chain, domain.KindDepositCredit)
			if err != nil {
				return err
			}
			if inflight != nil {
				worked, err = p.advanceCredit(ctx, inflight)
				return err
			}
			worked, err = p.startCredit(ctx)
			return err
		})
		if err != nil {
			return worked, err
		}
		forwarded, err := p.forwardSettled(ctx)
		return worked || forwarded, err
	})
}

func (p *Pipeline) advanceCredit(ctx context.Context, tx *domain.ChainTransaction) (bool, error) {
	res, err := p.credit.driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}
	return p.SettleCredit(ctx, tx, res)
}

// SettleCredit 入账交易到终态后处理名下充值：完成的记入账时间，失败的整批失败。
// 重启对账推进完成的交易也从这里交回
func (p *Pipeline) SettleCredit(ctx context.Context, tx *domain.ChainTransaction, res *chain.Result) (bool, error) {
	switch tx.Status {
	case domain.ChainTxCompleted:
		rows, err := p.store.DepositsByChainTx(ctx, tx.ID)
		if err != nil {
			return false, err
		}
		for _, d := range rows {
			if d.Status != domain.DepositSettling {
				continue
			}
			if err := p.creditOnce(ctx, d); err != nil {
				return false, err
			}
		}
		logger.Info(ctx, "arch deposit batch credited", zap.Int64("tx", tx.ID), zap.Int("deposits", len(rows)))
		return true, nil
	case domain.ChainTxFailed:
		rows, err := p.store.DepositsByChainTx(ctx, tx.ID)
		if err != nil {
			return false, err
		}
		reason := "deposit credit failed"
		if tx.Error != nil {
			reason = *tx.Error
		}
		for _, d := range rows {
			if _, err := p.transition(ctx, d, domain.DepositFailed, map[string]interface{}{
				"resubmittable": false,
				"error":         reason,
			}); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return res != nil && res.Changed(), nil
}

func (p *Pipeline) startCredit(ctx context.Context) (bool, error) {
	rows, err := p.store.DepositsForUpdate(ctx, p.chain, domain.DepositConfirmed, p.cfg.BatchSize)
	if err != nil || len(rows) == 0 {
		return false, err
	}

	worked := false
	ready := make(map[string][]*domain.Deposit)
	for _, d := range rows {
		if err := p.credit.builder.ValidateWallet(d.Wallet); err != nil {
			ok, err := p.transition(ctx, d, domain.DepositFailed, map[string]interface{}{
				"resubmittable": false,
				"error":         err.Error(),
			})
			if err != nil {
				return false, err
			}
			worked = worked || ok
			continue
		}
		idx, err := p.store.AssignedIndexes(ctx, d.Symbol, []string{d.Wallet})
		if err != nil {
			return false, err
		}
		if _, ok := idx[d.Wallet]; !ok {
			// 等 IndexAssigner 分好槽位
			if err := p.store.RequestBalanceIndex(ctx, d.Wallet, d.Symbol); err != nil {
				return false, err
			}
			continue
		}
		ready[d.Symbol] = append(ready[d.Symbol], d)
	}
	if len(ready) == 0 {
		return worked, nil
	}

	symbols := make([]string, 0, len(ready))
	for s := range ready {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	batch := ready[symbols[0]]

	tx, err := p.credit.builder.BuildDepositCredit(ctx, batch)
	if err != nil {
		return false, err
	}
	if err := p.store.CreateChainTx(ctx, tx); err != nil {
		return false, err
	}
	ids := make([]int64, 0, len(batch))
	for _, d := range batch {
		ids = append(ids, d.ID)
	}
	if err := p.store.MarkDepositsSettling(ctx, ids, tx.ID); err != nil {
		return false, err
	}
	if _, err := p.credit.driver.Advance(ctx, tx); err != nil {
		return false, err
	}
	logger.Info(ctx, "arch deposit batch started",
		zap.String("symbol", symbols[0]),
		zap.Int("deposits", len(batch)),
		zap.Int64("tx", tx.ID),
	)
	return true, nil
}

// forwardSettled 已入账的 Settling 充值交给 sequencer 后完成
func (p *Pipeline) forwardSettled(ctx context.Context) (bool, error) {
	var rows []*domain.Deposit
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		all, err := p.store.DepositsForUpdate(ctx, p.chain, domain.DepositSettling, p.cfg.BatchSize)
		for _, d := range all {
			if d.CreditedAt != nil {
				rows = append(rows, d)
			}
		}
		return err
	})
	if err != nil {
		return false, err
	}
	worked := false
	for _, d := range rows {
		if err := p.seq.Deposit(ctx, d); err != nil {
			logger.Warn(ctx, "sequencer deposit failed, will retry", zap.Int64("id", d.ID), zap.Error(err))
			continue
		}
		ok, err := p.transition(ctx, d, domain.DepositComplete, map[string]interface{}{})
		if err != nil {
			return worked, err
		}
		worked = worked || ok
	}
	return worked, nil
}
