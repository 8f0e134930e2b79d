//go:build !linux

package metrics

import (
	"context"
	"runtime"
	"time"
)

type runtimeCollector struct {
	started time.Time
}

// NewCollector reports what the Go runtime knows about its own process on
// platforms without procfs.
func NewCollector(diskPath string) Collector {
	return &runtimeCollector{started: time.Now()}
}

func (c *runtimeCollector) Collect(ctx context.Context) (SystemStats, error) {
	if err := ctx.Err(); err != nil {
		return SystemStats{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemStats{
		Memory: MemoryStats{
			Used:    ms.Alloc,
			Total:   ms.Sys,
			Percent: percent(ms.Alloc, ms.Sys),
		},
		Uptime:     time.Since(c.started),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}, nil
}
