package mysql

import (
	"context"

	"settlex.com/internal/settlement/domain"
)

func (r *Repo) LastBlock(ctx context.Context, chain string) (*domain.Block, error) {
	return takeOne[domain.Block](r.getDb(ctx).Where("chain = ?", chain).Order("height DESC"))
}

// RecentBlocks 从最高块往回取 limit 个
func (r *Repo) RecentBlocks(ctx context.Context, chain string, limit int) ([]*domain.Block, error) {
	var rows []*domain.Block
	err := r.getDb(ctx).Where("chain = ?", chain).
		Order("height DESC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

func (r *Repo) InsertBlock(ctx context.Context, b *domain.Block) error {
	return r.getDb(ctx).Create(b).Error
}

func (r *Repo) DeleteBlock(ctx context.Context, chain, hash string) error {
	return r.getDb(ctx).Where("chain = ? AND hash = ?", chain, hash).Delete(&domain.Block{}).Error
}
