package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"settlex.com/internal/settlement/app"
	"settlex.com/internal/settlement/config"
	"settlex.com/pkg/bootstrap"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/trace"
)

const serviceName = "settlement-service"

func main() {
	// SIGINT/SIGTERM 取消 ctx，所有 loop 跑完当前 tick 后退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Cfg{}
	err := bootstrap.Run(ctx, bootstrap.Options{
		ConfigName:  serviceName,
		ConfigPtr:   cfg,
		ServiceName: serviceName,
		LogConfig: func(interface{}) logger.Config {
			return cfg.Logger
		},
		Validate: func(interface{}) error {
			return cfg.Validate()
		},
		InitTracer: func(interface{}) (func(context.Context) error, error) {
			return trace.InitTrace(serviceName, cfg.Trace)
		},
		MetricsAddr: func(interface{}) string { return cfg.Server.MetricsAddr },
		PprofAddr:   func(interface{}) string { return cfg.Server.PprofAddr },
		Run: func(ctx context.Context, _ interface{}) error {
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	})
	if err != nil {
		log.Fatalf("%s: %v", serviceName, err)
	}
}
