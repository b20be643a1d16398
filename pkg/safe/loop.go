package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"settlex.com/pkg/common"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
)

// TickFunc 一次轮询的工作单元，返回是否做了事
type TickFunc func(ctx context.Context) (bool, error)

// Loop 可取消的后台轮询：
// 有活干立刻再跑一轮；空闲睡 interval；出错或 panic 睡 failureInterval。
// 单个 tick 失败不会让 loop 退出，只有 ctx 取消/Stop 才会退出。
type Loop struct {
	name            string
	tick            TickFunc
	interval        time.Duration
	failureInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, interval, failureInterval time.Duration, tick TickFunc) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if failureInterval < interval {
		failureInterval = interval
	}
	return &Loop{
		name:            name,
		tick:            tick,
		interval:        interval,
		failureInterval: failureInterval,
	}
}

func (l *Loop) Name() string { return l.name }

// Start 非阻塞，重复调用无效果
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	done := l.done
	GoCtx(ctx, func(ctx context.Context) {
		defer close(done)
		l.run(ctx)
	})
}

// Stop 取消并等待当前 tick 结束
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) run(ctx context.Context) {
	logger.Info(ctx, "loop started", zap.String("loop", l.name))
	defer logger.Info(ctx, "loop stopped", zap.String("loop", l.name))

	for {
		workDone, err := l.Tick(ctx)

		wait := l.interval
		switch {
		case err != nil:
			wait = l.failureInterval
		case workDone:
			wait = 0
		}

		if wait == 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Tick 执行一次 tick：panic 转 error，失败记日志和指标
func (l *Loop) Tick(ctx context.Context) (workDone bool, err error) {
	ctx, span := otel.Tracer("settlex").Start(ctx, l.name+".tick")
	defer span.End()
	ctx = common.WithTraceID(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			logger.Error(ctx, "🚨 TICK PANIC RECOVERED",
				zap.String("loop", l.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.LoopTickFailures.WithLabelValues(l.name).Inc()
			if ctx.Err() == nil {
				logger.Error(ctx, "tick failed", zap.String("loop", l.name), zap.Error(err))
			}
		}
	}()

	return l.tick(ctx)
}
