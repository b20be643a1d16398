package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache API 层读余额走 redis；这里只负责在账本变更后删缓存。
// 先删一次，再延迟删一次，把并发读回填的旧值清掉。
type BalanceCache struct {
	rdb    *redis.Client
	prefix string
	delay  time.Duration
}

func NewBalanceCache(rdb *redis.Client, prefix string, delay time.Duration) *BalanceCache {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &BalanceCache{rdb: rdb, prefix: prefix, delay: delay}
}

func (c *BalanceCache) Key(wallet, symbol string) string {
	return fmt.Sprintf("%s:bal:%s:%s", c.prefix, wallet, symbol)
}

func (c *BalanceCache) Invalidate(ctx context.Context, wallet, symbol string) error {
	key := c.Key(wallet, symbol)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return err
	}
	time.AfterFunc(c.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.rdb.Del(ctx, key).Err()
	})
	return nil
}
