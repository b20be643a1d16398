package mysql

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

// LeaseLocker 用 lock_leases 表实现的咨询锁。
// 抢锁/释放各自是独立短事务，不挂在 tick 的业务事务上；
// 持有者崩溃后租约过期即可被别人接管。
type LeaseLocker struct {
	db     *gorm.DB
	holder string
	ttl    time.Duration
	now    func() time.Time
}

func NewLeaseLocker(db *gorm.DB, ttl time.Duration) *LeaseLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseLocker{db: db, holder: uuid.NewString(), ttl: ttl, now: time.Now}
}

func (l *LeaseLocker) Holder() string     { return l.holder }
func (l *LeaseLocker) TTL() time.Duration { return l.ttl }

func (l *LeaseLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	now := l.now().UTC()
	db := l.db.WithContext(ctx)

	// 1) 保证行存在
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.LockLease{Key: key, ExpiresAt: now}).Error
	if err != nil {
		return false, err
	}

	// 2) 空闲、过期或本来就是自己的 -> 抢占/续期
	res := db.Model(&domain.LockLease{}).
		Where("lock_key = ? AND (holder = '' OR holder = ? OR expires_at < ?)", key, l.holder, now).
		Updates(map[string]interface{}{
			"holder":     l.holder,
			"expires_at": now.Add(l.ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (l *LeaseLocker) Release(ctx context.Context, key int64) error {
	return l.db.WithContext(ctx).Model(&domain.LockLease{}).
		Where("lock_key = ? AND holder = ?", key, l.holder).
		Updates(map[string]interface{}{"holder": "", "expires_at": l.now().UTC()}).Error
}

var (
	_ domain.Locker   = (*LeaseLocker)(nil)
	_ domain.LeaseTTL = (*LeaseLocker)(nil)
)
