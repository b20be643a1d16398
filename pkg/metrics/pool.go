package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DbPoolOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	// sql.DBStats 里是累计值，直接 Set
	DbPoolWaitCount    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_seconds"})
)

// CollectDBStats 周期性采集连接池状态，阻塞直到 ctx 结束
func CollectDBStats(ctx context.Context, db *sql.DB, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s := db.Stats()
		DbPoolOpen.Set(float64(s.OpenConnections))
		DbPoolIdle.Set(float64(s.Idle))
		DbPoolInuse.Set(float64(s.InUse))
		DbPoolWaitCount.Set(float64(s.WaitCount))
		DbPoolWaitDuration.Set(s.WaitDuration.Seconds())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
