package mysql

import (
	"context"

	"settlex.com/internal/settlement/domain"
)

func (r *Repo) CreateTrades(ctx context.Context, trades []*domain.Trade) error {
	return r.getDb(ctx).Create(&trades).Error
}

// PendingTrades 按 id 顺序取待结算成交
func (r *Repo) PendingTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	var rows []*domain.Trade
	err := r.getDb(ctx).Clauses(forUpdate()).
		Where("settlement_status = ?", domain.TradePending).
		Order("id ASC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

func (r *Repo) TradesByBatch(ctx context.Context, batchID int64, statuses ...domain.TradeStatus) ([]*domain.Trade, error) {
	var rows []*domain.Trade
	q := r.getDb(ctx).Where("settlement_batch_id = ?", batchID)
	if len(statuses) > 0 {
		q = q.Where("settlement_status IN ?", statuses)
	}
	err := q.Order("id ASC").Find(&rows).Error
	return rows, err
}

// AssignTradesToBatch Pending -> Settling
func (r *Repo) AssignTradesToBatch(ctx context.Context, ids []int64, batchID int64) error {
	return r.getDb(ctx).Model(&domain.Trade{}).
		Where("id IN ? AND settlement_status = ?", ids, domain.TradePending).
		Updates(map[string]interface{}{
			"settlement_status":   domain.TradeSettling,
			"settlement_batch_id": batchID,
		}).Error
}

// SetTradesStatus 批量改状态，errMsg 为空不覆盖错误信息
func (r *Repo) SetTradesStatus(ctx context.Context, ids []int64, status domain.TradeStatus, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	updates := map[string]interface{}{"settlement_status": status}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	return r.getDb(ctx).Model(&domain.Trade{}).Where("id IN ?", ids).Updates(updates).Error
}
