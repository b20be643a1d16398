package mysql

import (
	"context"

	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

func (r *Repo) InsertLinkedSigners(ctx context.Context, rows []*domain.LinkedSigner) error {
	if len(rows) == 0 {
		return nil
	}
	return r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *Repo) InsertSovereignWithdrawals(ctx context.Context, rows []*domain.SovereignWithdrawal) error {
	if len(rows) == 0 {
		return nil
	}
	return r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// DeleteEventsByBlock 分叉回滚时清掉块内解析出来的事件
func (r *Repo) DeleteEventsByBlock(ctx context.Context, chain, blockHash string) error {
	db := r.getDb(ctx)
	if err := db.Where("chain = ? AND block_hash = ?", chain, blockHash).Delete(&domain.LinkedSigner{}).Error; err != nil {
		return err
	}
	return db.Where("chain = ? AND block_hash = ?", chain, blockHash).Delete(&domain.SovereignWithdrawal{}).Error
}
