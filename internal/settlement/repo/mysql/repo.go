package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txKey struct{}

// Repo 所有表共用一个仓储；事务通过 ctx 传递
type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) DB() *gorm.DB { return r.db }

// Transaction 已经在事务里则直接复用外层事务（不开 savepoint）
func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// forUpdate 行锁；sqlite 方言会忽略
func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// skipLocked 多个 worker 抢任务互不阻塞
func skipLocked() clause.Locking {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

// takeOne 没有记录返回 nil, nil
func takeOne[T any](q *gorm.DB) (*T, error) {
	var row T
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// updateIf 条件更新：只有当前状态还是 from 才改，返回是否改到
func (r *Repo) updateIf(ctx context.Context, model interface{}, id int64, from interface{}, updates map[string]interface{}) (bool, error) {
	res := r.getDb(ctx).Model(model).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// limited limit <= 0 不限条数
func limited(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			return db.Limit(limit)
		}
		return db
	}
}
