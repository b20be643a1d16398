package mysql

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

// UpsertDeposit 以 tx_hash 幂等：重复入块只更新块高/块哈希（重组后可能换块）
func (r *Repo) UpsertDeposit(ctx context.Context, d *domain.Deposit) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "updated_at"}),
	}).Create(d).Error
}

func (r *Repo) DepositByTxHash(ctx context.Context, txHash string) (*domain.Deposit, error) {
	return takeOne[domain.Deposit](r.getDb(ctx).Where("tx_hash = ?", txHash))
}

func (r *Repo) DepositsByBlockHash(ctx context.Context, chain, blockHash string) ([]*domain.Deposit, error) {
	var rows []*domain.Deposit
	err := r.getDb(ctx).Clauses(forUpdate()).
		Where("chain = ? AND block_hash = ?", chain, blockHash).
		Order("id ASC").Find(&rows).Error
	return rows, err
}

// DepositsForUpdate 按状态抢一批，SKIP LOCKED
func (r *Repo) DepositsForUpdate(ctx context.Context, chain string, status domain.DepositStatus, limit int) ([]*domain.Deposit, error) {
	var rows []*domain.Deposit
	err := r.getDb(ctx).Clauses(skipLocked()).
		Where("chain = ? AND status = ?", chain, status).
		Order("id ASC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

func (r *Repo) DepositsByChainTx(ctx context.Context, txID int64) ([]*domain.Deposit, error) {
	var rows []*domain.Deposit
	err := r.getDb(ctx).Clauses(forUpdate()).
		Where("chain_transaction_id = ?", txID).
		Order("id ASC").Find(&rows).Error
	return rows, err
}

// UpdateDepositIf 条件更新，防止并发路径把已推进的状态写回去
func (r *Repo) UpdateDepositIf(ctx context.Context, id int64, from domain.DepositStatus, updates map[string]interface{}) (bool, error) {
	return r.updateIf(ctx, &domain.Deposit{}, id, from, updates)
}

// MarkDepositCredited 幂等：只允许从未 credited -> credited
func (r *Repo) MarkDepositCredited(ctx context.Context, id int64) (bool, error) {
	res := r.getDb(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND credited_at IS NULL", id).
		Update("credited_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkDepositsSettling(ctx context.Context, ids []int64, txID int64) error {
	return r.getDb(ctx).Model(&domain.Deposit{}).
		Where("id IN ? AND status = ?", ids, domain.DepositConfirmed).
		Updates(map[string]interface{}{
			"status":               domain.DepositSettling,
			"chain_transaction_id": txID,
		}).Error
}
