package domain

import "context"

// BalanceCache 账本变更后通知 API 侧的余额缓存失效
type BalanceCache interface {
	Invalidate(ctx context.Context, wallet, symbol string) error
}

type NopBalanceCache struct{}

func (NopBalanceCache) Invalidate(context.Context, string, string) error { return nil }
