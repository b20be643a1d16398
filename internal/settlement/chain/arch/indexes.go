package arch

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
)

// IndexAssignStore 槽位分配需要的存储操作
type IndexAssignStore interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	BalanceIndexesForUpdate(ctx context.Context, status domain.BalanceIndexStatus, limit int) ([]*domain.BalanceIndex, error)
	SaveBalanceIndex(ctx context.Context, bi *domain.BalanceIndex) error
	CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error
	ChainTxForUpdate(ctx context.Context, id int64) (*domain.ChainTransaction, error)
}

type indexChain interface {
	BuildIndexAssign(ctx context.Context, symbol string, wallets []string) (*domain.ChainTransaction, error)
	ReadIndexes(ctx context.Context, symbol string, wallets []string) (map[string]uint32, error)
}

// IndexAssigner 把 Pending 的槽位申请打包成一条指令，完成后从 token state 读回下标
type IndexAssigner struct {
	chain    string
	store    IndexAssignStore
	locker   domain.Locker
	driver   *chain.Driver
	engine   indexChain
	maxBatch int
}

func NewIndexAssigner(chainName string, store IndexAssignStore, locker domain.Locker, driver *chain.Driver, engine indexChain, maxBatch int) *IndexAssigner {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	return &IndexAssigner{chain: chainName, store: store, locker: locker, driver: driver, engine: engine, maxBatch: maxBatch}
}

func (a *IndexAssigner) ProcessIndexes(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, a.locker, domain.ChainLockKey(domain.LockArchIndex, a.chain), func(ctx context.Context) (bool, error) {
		worked := false
		err := a.store.Transaction(ctx, func(ctx context.Context) error {
			var err error
			worked, err = a.advanceAssigning(ctx)
			if err != nil || worked {
				return err
			}
			worked, err = a.startPending(ctx)
			return err
		})
		return worked, err
	})
}

// advanceAssigning 一次只有一笔分配交易在途
func (a *IndexAssigner) advanceAssigning(ctx context.Context) (bool, error) {
	rows, err := a.store.BalanceIndexesForUpdate(ctx, domain.IndexAssigning, 0)
	if err != nil || len(rows) == 0 {
		return false, err
	}
	txID := int64(0)
	var batch []*domain.BalanceIndex
	for _, r := range rows {
		if r.ChainTransactionID == nil {
			continue
		}
		if txID == 0 {
			txID = *r.ChainTransactionID
		}
		if *r.ChainTransactionID == txID {
			batch = append(batch, r)
		}
	}
	if txID == 0 {
		return false, nil
	}

	tx, err := a.store.ChainTxForUpdate(ctx, txID)
	if err != nil {
		return false, err
	}
	if tx == nil {
		return false, nil
	}
	res, err := a.driver.Advance(ctx, tx)
	if err != nil {
		return false, err
	}

	switch tx.Status {
	case domain.ChainTxCompleted:
		return true, a.readBack(ctx, batch, "")
	case domain.ChainTxFailed:
		reason := "index assignment failed"
		if tx.Error != nil {
			reason = *tx.Error
		}
		for _, r := range batch {
			r.Status = domain.IndexFailed
			r.Error = &reason
			if err := a.store.SaveBalanceIndex(ctx, r); err != nil {
				return false, err
			}
		}
		logger.Warn(ctx, "balance index assignment failed", zap.Int64("tx", tx.ID), zap.String("reason", reason))
		return true, nil
	}
	return res.Changed(), nil
}

// readBack 链上没分到的退回 Pending 下一轮重试
func (a *IndexAssigner) readBack(ctx context.Context, rows []*domain.BalanceIndex, symbol string) error {
	bySymbol := make(map[string][]*domain.BalanceIndex)
	for _, r := range rows {
		if symbol == "" || r.Symbol == symbol {
			bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
		}
	}
	for sym, group := range bySymbol {
		wallets := make([]string, 0, len(group))
		for _, r := range group {
			wallets = append(wallets, r.Wallet)
		}
		slots, err := a.engine.ReadIndexes(ctx, sym, wallets)
		if err != nil {
			return err
		}
		for _, r := range group {
			if slot, ok := slots[r.Wallet]; ok {
				s := slot
				r.SlotIndex = &s
				r.Status = domain.IndexAssigned
				r.Error = nil
			} else {
				r.Status = domain.IndexPending
				r.ChainTransactionID = nil
			}
			if err := a.store.SaveBalanceIndex(ctx, r); err != nil {
				return err
			}
		}
		logger.Info(ctx, "balance indexes read back", zap.String("symbol", sym), zap.Int("wallets", len(group)))
	}
	return nil
}

func (a *IndexAssigner) startPending(ctx context.Context) (bool, error) {
	rows, err := a.store.BalanceIndexesForUpdate(ctx, domain.IndexPending, a.maxBatch)
	if err != nil || len(rows) == 0 {
		return false, err
	}
	bySymbol := make(map[string][]*domain.BalanceIndex)
	for _, r := range rows {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	symbol := symbols[0]
	group := bySymbol[symbol]

	wallets := make([]string, 0, len(group))
	for _, r := range group {
		wallets = append(wallets, r.Wallet)
	}
	// 之前已经在链上的直接回填，不再发交易
	onChain, err := a.engine.ReadIndexes(ctx, symbol, wallets)
	if err != nil {
		return false, err
	}
	var need []*domain.BalanceIndex
	var needWallets []string
	for _, r := range group {
		if slot, ok := onChain[r.Wallet]; ok {
			s := slot
			r.SlotIndex = &s
			r.Status = domain.IndexAssigned
			if err := a.store.SaveBalanceIndex(ctx, r); err != nil {
				return false, err
			}
			continue
		}
		need = append(need, r)
		needWallets = append(needWallets, r.Wallet)
	}
	if len(need) == 0 {
		return true, nil
	}

	tx, err := a.engine.BuildIndexAssign(ctx, symbol, needWallets)
	if err != nil {
		return false, err
	}
	if err := a.store.CreateChainTx(ctx, tx); err != nil {
		return false, err
	}
	for _, r := range need {
		r.Status = domain.IndexAssigning
		r.ChainTransactionID = &tx.ID
		if err := a.store.SaveBalanceIndex(ctx, r); err != nil {
			return false, err
		}
	}
	if _, err := a.driver.Advance(ctx, tx); err != nil {
		return false, err
	}
	logger.Info(ctx, "balance index assignment started",
		zap.String("symbol", symbol),
		zap.Int("wallets", len(need)),
		zap.Int64("tx", tx.ID),
	)
	return true, nil
}
