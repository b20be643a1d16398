package mysql

import (
	"context"

	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

func (r *Repo) InsertUtxos(ctx context.Context, rows []*domain.Utxo) error {
	if len(rows) == 0 {
		return nil
	}
	return r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// SpendUtxos 只会命中我们跟踪的输出，其余输入直接忽略
func (r *Repo) SpendUtxos(ctx context.Context, chain string, spends []domain.OutPoint, blockHash string) error {
	db := r.getDb(ctx)
	for _, s := range spends {
		err := db.Model(&domain.Utxo{}).
			Where("chain = ? AND tx_id = ? AND vout = ? AND spent_tx_id IS NULL", chain, s.TxID, s.Vout).
			Updates(map[string]interface{}{
				"spent_tx_id":      s.SpentBy,
				"spent_block_hash": blockHash,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// UnspendByBlock 回滚某个块里的花费
func (r *Repo) UnspendByBlock(ctx context.Context, chain, blockHash string) error {
	return r.getDb(ctx).Model(&domain.Utxo{}).
		Where("chain = ? AND spent_block_hash = ?", chain, blockHash).
		Updates(map[string]interface{}{"spent_tx_id": nil, "spent_block_hash": nil}).Error
}

func (r *Repo) DeleteUtxosByBlock(ctx context.Context, chain, blockHash string) error {
	return r.getDb(ctx).Where("chain = ? AND block_hash = ?", chain, blockHash).Delete(&domain.Utxo{}).Error
}

func (r *Repo) UnspentUtxos(ctx context.Context, chain, address string) ([]*domain.Utxo, error) {
	var rows []*domain.Utxo
	err := r.getDb(ctx).
		Where("chain = ? AND address = ? AND spent_tx_id IS NULL", chain, address).
		Order("id ASC").Find(&rows).Error
	return rows, err
}
