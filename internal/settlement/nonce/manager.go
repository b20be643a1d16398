package nonce

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

type Store interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	LockNonce(ctx context.Context, chain, address string) (*domain.NonceRecord, error)
	SetNonce(ctx context.Context, chain, address string, nonce *uint64) error
}

// Source 节点侧的 pending nonce
type Source interface {
	PendingNonceAt(ctx context.Context, address string) (uint64, error)
}

type Config struct {
	Probes      int           `yaml:"probes" mapstructure:"probes"`             // 连续一致的次数
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"` // 单次同步最多探测次数
	ProbeDelay  time.Duration `yaml:"probe_delay" mapstructure:"probe_delay"`
}

func (c *Config) SetDefaults() {
	if c.Probes < 3 {
		c.Probes = 3
	}
	if c.MaxAttempts < c.Probes {
		c.MaxAttempts = 20
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 200 * time.Millisecond
	}
}

// Manager 单链 nonce 分配。nonce 存在 nonces 表里，分配时行锁，
// 同一提交地址的签名/广播在多进程之间也是串行的。
type Manager struct {
	chain  string
	store  Store
	source Source
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewManager(chain string, store Store, source Source, cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{chain: chain, store: store, source: source, cfg: cfg, sleep: sleepCtx}
}

// Allocate 返回本次可用 nonce 并把记录推进到 n+1。
// 调用方在同一事务里广播；事务回滚则 nonce 也回滚。
func (m *Manager) Allocate(ctx context.Context, address string) (uint64, error) {
	var out uint64
	err := m.store.Transaction(ctx, func(txCtx context.Context) error {
		rec, err := m.store.LockNonce(txCtx, m.chain, address)
		if err != nil {
			return err
		}

		var n uint64
		if rec.Nonce != nil {
			n = *rec.Nonce
		} else {
			if n, err = m.Resync(txCtx, address); err != nil {
				return err
			}
		}

		next := n + 1
		if err := m.store.SetNonce(txCtx, m.chain, address, &next); err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// Clear 置空，下次 Allocate 前强制向节点同步
func (m *Manager) Clear(ctx context.Context, address string) error {
	logger.Warn(ctx, "nonce cleared", zap.String("chain", m.chain), zap.String("address", address))
	return m.store.SetNonce(ctx, m.chain, address, nil)
}

// Resync 负载均衡后面的节点可能不一致：连续 Probes 次读到同一个值才采信
func (m *Manager) Resync(ctx context.Context, address string) (uint64, error) {
	metrics.NonceResyncs.WithLabelValues(m.chain).Inc()

	window := make([]uint64, 0, m.cfg.Probes)
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		n, err := m.source.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, xerr.Wrap(xerr.KindTransient, fmt.Errorf("probe nonce: %w", err))
		}

		window = append(window, n)
		if len(window) > m.cfg.Probes {
			window = window[1:]
		}
		if len(window) == m.cfg.Probes && agree(window) {
			logger.Info(ctx, "nonce resynced",
				zap.String("chain", m.chain),
				zap.String("address", address),
				zap.Uint64("nonce", n),
				zap.Int("attempts", attempt),
			)
			return n, nil
		}

		if err := m.sleep(ctx, m.cfg.ProbeDelay); err != nil {
			return 0, err
		}
	}
	return 0, xerr.Wrapf(xerr.KindTransient, "nonce probes for %s did not agree after %d attempts", address, m.cfg.MaxAttempts)
}

func agree(xs []uint64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
