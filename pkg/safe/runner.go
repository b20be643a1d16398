package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"settlex.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer recoverPanic(context.Background())
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留 trace 信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx)
		fn(ctx)
	}()
}

func recoverPanic(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED", zap.Any("panic", r), zap.String("stack", stack))
		return
	}
	fmt.Printf("🚨 GOROUTINE PANIC: %v\nStack: %s\n", r, stack)
}
