package mysql

import (
	"context"

	"settlex.com/internal/settlement/domain"
)

// CurrentBatchForUpdate 全局最多一个未完成批次
func (r *Repo) CurrentBatchForUpdate(ctx context.Context) (*domain.SettlementBatch, error) {
	return takeOne[domain.SettlementBatch](r.getDb(ctx).Clauses(forUpdate()).
		Where("status <> ?", domain.BatchCompleted).Order("id ASC"))
}

func (r *Repo) CreateBatch(ctx context.Context, b *domain.SettlementBatch) error {
	return r.getDb(ctx).Create(b).Error
}

func (r *Repo) SaveBatch(ctx context.Context, b *domain.SettlementBatch) error {
	return r.getDb(ctx).Save(b).Error
}

func (r *Repo) CreateChainBatch(ctx context.Context, cb *domain.ChainSettlementBatch) error {
	return r.getDb(ctx).Create(cb).Error
}

func (r *Repo) SaveChainBatch(ctx context.Context, cb *domain.ChainSettlementBatch) error {
	return r.getDb(ctx).Save(cb).Error
}

// ChainBatches 当前轮次的所有链批次
func (r *Repo) ChainBatches(ctx context.Context, batchID int64, round int) ([]*domain.ChainSettlementBatch, error) {
	var rows []*domain.ChainSettlementBatch
	err := r.getDb(ctx).Where("batch_id = ? AND round = ?", batchID, round).Order("chain ASC").Find(&rows).Error
	return rows, err
}

func (r *Repo) ChainBatchForUpdate(ctx context.Context, id int64) (*domain.ChainSettlementBatch, error) {
	return takeOne[domain.ChainSettlementBatch](r.getDb(ctx).Clauses(forUpdate()).Where("id = ?", id))
}
