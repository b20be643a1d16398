package mysql

import (
	"context"

	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

// LockNonce 锁住 (chain, address) 的 nonce 行，不存在先建一条 nil 记录。
// 必须在事务里调用，锁一直持有到签名广播的事务提交。
func (r *Repo) LockNonce(ctx context.Context, chain, address string) (*domain.NonceRecord, error) {
	db := r.getDb(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.NonceRecord{Chain: chain, Address: address}).Error
	if err != nil {
		return nil, err
	}
	return takeOne[domain.NonceRecord](db.Clauses(forUpdate()).
		Where("chain = ? AND address = ?", chain, address))
}

// SetNonce nonce 为 nil 表示清空，下次分配前强制向节点同步
func (r *Repo) SetNonce(ctx context.Context, chain, address string, nonce *uint64) error {
	return r.getDb(ctx).Model(&domain.NonceRecord{}).
		Where("chain = ? AND address = ?", chain, address).
		Update("nonce", nonce).Error
}
