package domain

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"settlex.com/pkg/logger"
)

// GlobalBatchLockKey 全局只有一个结算批次在推进
const GlobalBatchLockKey int64 = 1_000_001

type LockScope string

const (
	LockWithdrawal LockScope = "withdrawal"
	LockDeposit    LockScope = "deposit"
	LockIngest     LockScope = "ingest"
	LockArchIndex  LockScope = "arch_index"
	LockArchAcct   LockScope = "arch_account"
)

// ChainLockKey 每条链每类工作一个锁
func ChainLockKey(scope LockScope, chain string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(scope) + ":" + chain))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Locker 咨询锁；实现有 DB 租约行 (repo.LeaseLocker) 和 redis (xredis.RedisLocker)
type Locker interface {
	TryAcquire(ctx context.Context, key int64) (bool, error)
	Release(ctx context.Context, key int64) error
}

// ErrLockLost 持锁期间续期失败，租约可能已经被别的实例接管
var ErrLockLost = errors.New("lock lease lost")

// LeaseTTL 带过期时间的锁实现它，WithLock 在 fn 运行期间按 TTL/3 续期
type LeaseTTL interface {
	TTL() time.Duration
}

// WithLock 拿不到锁是正常情况，返回 (false, nil)。
// 续期失败时取消 fn 的 ctx，业务事务随之回滚，返回 ErrLockLost
func WithLock(ctx context.Context, l Locker, key int64, fn func(ctx context.Context) (bool, error)) (bool, error) {
	ok, err := l.TryAcquire(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn(ctx, "release lock failed", zap.Int64("key", key), zap.Error(err))
		}
	}()

	lease, ok := l.(LeaseTTL)
	if !ok || lease.TTL() <= 0 {
		return fn(ctx)
	}
	lctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(lctx, l, key, lease.TTL(), cancel)
	}()

	worked, err := fn(lctx)
	cancel(nil)
	<-done
	if errors.Is(context.Cause(lctx), ErrLockLost) {
		if err != nil {
			return worked, errors.Join(ErrLockLost, err)
		}
		return worked, ErrLockLost
	}
	return worked, err
}

// keepAlive 续期出错还在租约内就下一拍再试；被别人持有或租约快到期则放弃
func keepAlive(ctx context.Context, l Locker, key int64, ttl time.Duration, lost context.CancelCauseFunc) {
	every := ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := l.TryAcquire(ctx, key)
		if ctx.Err() != nil {
			return
		}
		if err == nil && ok {
			renewed = time.Now()
			continue
		}
		if err != nil && time.Since(renewed) < ttl-every {
			logger.Warn(ctx, "renew lock failed, will retry", zap.Int64("key", key), zap.Error(err))
			continue
		}
		logger.Error(ctx, "lock lease lost", zap.Int64("key", key), zap.Bool("taken", err == nil), zap.Error(err))
		lost(ErrLockLost)
		return
	}
}
