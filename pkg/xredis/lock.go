package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能续期/释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker 基于 SET NX PX 的租约锁，key 为整数锁编号。
// 多实例部署且不想给 MySQL 加锁表压力时使用。
type RedisLocker struct {
	rdb    *redis.Client
	id     string
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rdb:    rdb,
		id:     uuid.NewString(),
		ttl:    ttl,
		prefix: prefix,
	}
}

func (r *RedisLocker) Holder() string     { return r.id }
func (r *RedisLocker) TTL() time.Duration { return r.ttl }

func (r *RedisLocker) key(k int64) string {
	return fmt.Sprintf("%s:lock:%d", r.prefix, k)
}

// TryAcquire 抢不到返回 false；已经是自己的锁则续期
func (r *RedisLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	k := r.key(key)
	ok, err := r.rdb.SetNX(ctx, k, r.id, r.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, r.rdb, []string{k}, r.id, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLocker) Release(ctx context.Context, key int64) error {
	return releaseScript.Run(ctx, r.rdb, []string{r.key(key)}, r.id).Err()
}
