package mysql

import (
	"context"

	"settlex.com/internal/settlement/domain"
)

func (r *Repo) CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error {
	return r.getDb(ctx).Create(tx).Error
}

// SaveChainTx 整行覆盖；调用方已持有行锁
func (r *Repo) SaveChainTx(ctx context.Context, tx *domain.ChainTransaction) error {
	return r.getDb(ctx).Save(tx).Error
}

func (r *Repo) ChainTxForUpdate(ctx context.Context, id int64) (*domain.ChainTransaction, error) {
	return takeOne[domain.ChainTransaction](r.getDb(ctx).Clauses(forUpdate()).Where("id = ?", id))
}

// InFlightChainTx 某链某类未终结的交易，同类最多一笔
func (r *Repo) InFlightChainTx(ctx context.Context, chain string, kind domain.ChainTxKind) (*domain.ChainTransaction, error) {
	return takeOne[domain.ChainTransaction](r.getDb(ctx).Clauses(forUpdate()).
		Where("chain = ? AND kind = ? AND status NOT IN ?", chain, kind,
			[]domain.ChainTxStatus{domain.ChainTxCompleted, domain.ChainTxFailed}).
		Order("id ASC"))
}

func (r *Repo) ChainTxsByStatus(ctx context.Context, chain string, status domain.ChainTxStatus) ([]*domain.ChainTransaction, error) {
	var rows []*domain.ChainTransaction
	err := r.getDb(ctx).Where("chain = ? AND status = ?", chain, status).Order("id ASC").Find(&rows).Error
	return rows, err
}
