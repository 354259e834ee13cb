// Package usage samples host and process resource figures for the
// health and stats endpoints.
package usage

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/waveflow-go/pkg/logger"
)

// Snapshot is one point-in-time reading.
type Snapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsed    uint64  `json:"memoryUsedBytes"`
	MemoryTotal   uint64  `json:"memoryTotalBytes"`
	MemoryPercent float64 `json:"memoryPercent"`
	NetworkBytes  uint64  `json:"networkBytes"`
	Goroutines    int     `json:"goroutines"`
	HeapAlloc     uint64  `json:"heapAllocBytes"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Monitor reads resource usage on demand. Host figures that fail to
// sample are left at zero rather than failing the whole snapshot; a
// health endpoint that errors out under resource pressure is useless.
type Monitor struct {
	startedAt time.Time
	logger    logger.Logger
}

func NewMonitor(log logger.Logger) *Monitor {
	return &Monitor{startedAt: time.Now(), logger: log.With("component", "usage")}
}

func (m *Monitor) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap.HeapAlloc = memStats.HeapAlloc

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Debug("CPU sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
		snap.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug("Memory sample failed", "error", err)
	}

	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetworkBytes = counters[0].BytesSent + counters[0].BytesRecv
	}

	return snap
}
