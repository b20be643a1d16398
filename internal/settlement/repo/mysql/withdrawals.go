package mysql

import (
	"context"

	"settlex.com/internal/settlement/domain"
)

func (r *Repo) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	return r.getDb(ctx).Create(w).Error
}

// WithdrawalsForUpdate 按创建顺序取
func (r *Repo) WithdrawalsForUpdate(ctx context.Context, chain string, status domain.WithdrawalStatus, limit int) ([]*domain.Withdrawal, error) {
	var rows []*domain.Withdrawal
	err := r.getDb(ctx).Clauses(skipLocked()).
		Where("chain = ? AND status = ?", chain, status).
		Order("id ASC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

// SetWithdrawalPayload 载荷只算一次，之后批次哈希可复现
func (r *Repo) SetWithdrawalPayload(ctx context.Context, id int64, payload []byte) error {
	return r.getDb(ctx).Model(&domain.Withdrawal{}).
		Where("id = ? AND tx_payload IS NULL", id).
		Update("tx_payload", payload).Error
}

// MarkWithdrawalsSettling Sequenced -> Settling，和交易 id 一起写，满足 CHECK 约束
func (r *Repo) MarkWithdrawalsSettling(ctx context.Context, ids []int64, txID int64) (int64, error) {
	res := r.getDb(ctx).Model(&domain.Withdrawal{}).
		Where("id IN ? AND status = ?", ids, domain.WithdrawalSequenced).
		Updates(map[string]interface{}{
			"status":               domain.WithdrawalSettling,
			"chain_transaction_id": txID,
		})
	return res.RowsAffected, res.Error
}

func (r *Repo) WithdrawalsByChainTx(ctx context.Context, txID int64) ([]*domain.Withdrawal, error) {
	var rows []*domain.Withdrawal
	err := r.getDb(ctx).Clauses(forUpdate()).
		Where("chain_transaction_id = ?", txID).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *Repo) UpdateWithdrawalIf(ctx context.Context, id int64, from domain.WithdrawalStatus, updates map[string]interface{}) (bool, error) {
	return r.updateIf(ctx, &domain.Withdrawal{}, id, from, updates)
}
