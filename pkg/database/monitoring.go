package database

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/waveflow-go/pkg/logger"
)

var (
	poolOpenConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveflow_db_connections_open",
		Help: "Open connections in the database pool.",
	})
	poolIdleConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveflow_db_connections_idle",
		Help: "Idle connections in the database pool.",
	})
	poolInUseConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveflow_db_connections_in_use",
		Help: "Connections currently in use.",
	})
	poolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveflow_db_connection_waits_total",
		Help: "Cumulative number of waits for a free connection.",
	})
	poolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveflow_db_connection_wait_seconds_total",
		Help: "Cumulative time spent waiting for a free connection.",
	})
)

// PoolMonitor samples connection pool statistics into the process
// metrics. Slow statements are already surfaced by the gorm logger; the
// pool numbers are what that log line cannot show.
type PoolMonitor struct {
	db       *DB
	logger   logger.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewPoolMonitor(db *DB, interval time.Duration, log logger.Logger) *PoolMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PoolMonitor{
		db:       db,
		logger:   log,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *PoolMonitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		var lastWaits int64
		for {
			select {
			case <-ticker.C:
				sqlDB, err := m.db.DB.DB()
				if err != nil {
					continue
				}
				stats := sqlDB.Stats()

				poolOpenConns.Set(float64(stats.OpenConnections))
				poolIdleConns.Set(float64(stats.Idle))
				poolInUseConns.Set(float64(stats.InUse))
				poolWaitCount.Set(float64(stats.WaitCount))
				poolWaitDuration.Set(stats.WaitDuration.Seconds())

				if stats.WaitCount > lastWaits {
					m.logger.Warn("Database pool saturated",
						"waits", stats.WaitCount-lastWaits,
						"inUse", stats.InUse,
						"open", stats.OpenConnections)
				}
				lastWaits = stats.WaitCount
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *PoolMonitor) Stop() {
	close(m.stop)
	<-m.done
}
