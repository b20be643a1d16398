package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"settlex.com/pkg/config"
	"settlex.com/pkg/logger"
)

// Options controls the bootstrap process; provide hooks for service-specific bits.
type Options struct {
	// Required: config name and target struct
	ConfigName string
	ConfigPtr  interface{}
	// Required: service name used by logger/tracer
	ServiceName string

	// Optional: logger config taken from the loaded config
	LogConfig func(cfg interface{}) logger.Config

	// Optional: checked once after loading; hot reloads are not validated
	Validate func(cfg interface{}) error

	// Optional: init tracer, return shutdown func
	InitTracer func(cfg interface{}) (func(context.Context) error, error)

	// Required: runs the service until ctx is cancelled
	Run func(ctx context.Context, cfg interface{}) error

	// Listen addresses, read after the config is loaded; empty means skip
	MetricsAddr func(cfg interface{}) string
	PprofAddr   func(cfg interface{}) string
}

// Run boots a worker service with common wiring; callers inject config and service-specific hooks via Options.
func Run(ctx context.Context, opt Options) error {
	if opt.ConfigName == "" || opt.ConfigPtr == nil || opt.ServiceName == "" || opt.Run == nil {
		return fmt.Errorf("bootstrap: missing required options")
	}

	if _, err := config.LoadAndWatch(opt.ConfigName, opt.ConfigPtr); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opt.Validate != nil {
		if err := opt.Validate(opt.ConfigPtr); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	var logCfg logger.Config
	if opt.LogConfig != nil {
		logCfg = opt.LogConfig(opt.ConfigPtr)
	}
	logger.Init(opt.ServiceName, logCfg)
	defer logger.Sync()

	if opt.InitTracer != nil {
		shutdownTracer, err := opt.InitTracer(opt.ConfigPtr)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			// 最多给 5 秒时间 flush trace
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(c); err != nil {
				logger.Error(ctx, "shutdown tracer error", zap.Error(err))
			}
		}()
	}

	var servers []*http.Server
	if opt.PprofAddr != nil {
		if addr := opt.PprofAddr(opt.ConfigPtr); addr != "" {
			servers = append(servers, startPprof(addr))
		}
	}
	if opt.MetricsAddr != nil {
		if addr := opt.MetricsAddr(opt.ConfigPtr); addr != "" {
			servers = append(servers, startMetrics(addr))
		}
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(c)
		}
	}()

	err := opt.Run(ctx, opt.ConfigPtr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("service stopped")
	return nil
}

func startPprof(addr string) *http.Server {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		log.Printf("pprof listening on %s", srv.Addr)
		if e := srv.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			log.Printf("pprof listen error: %v", e)
		}
	}()
	return srv
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		log.Printf("metrics listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}
