package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `yaml:"max_requests" mapstructure:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  `yaml:"trip_consecutive_failures" mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `yaml:"trip_failure_rate" mapstructure:"trip_failure_rate"`
	TripMinRequests         uint32  `yaml:"trip_min_requests" mapstructure:"trip_min_requests"`
}

// Manager 按下游名字（sequencer 方法、链 RPC）懒创建熔断器
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 16),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

// Execute 熔断打开时直接返回 transient 错误，不打到下游
func (m *Manager) Execute(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CBRejectTotal.WithLabelValues(name).Inc()
		return xerr.Wrap(xerr.KindTransient, err)
	}
	return err
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
		},
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[name] = cb
	return cb
}

// isSuccessfulForBreaker 业务拒绝不代表下游不健康，不计入熔断失败
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	switch xerr.KindOf(err) {
	case xerr.KindClient, xerr.KindRevert, xerr.KindInvariant:
		return true
	}
	var ce *xerr.CodeError
	if errors.As(err, &ce) {
		return ce.Code >= 400 && ce.Code < 500
	}
	return false
}
