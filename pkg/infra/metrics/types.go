package metrics

import (
	"context"
	"time"
)

// Collector samples host resource usage.
type Collector interface {
	Collect(ctx context.Context) (SystemStats, error)
}

// SystemStats is the host view served by /api/system.
type SystemStats struct {
	CPUPercent float64       `json:"cpu_percent"`
	Memory     MemoryStats   `json:"memory"`
	Disk       DiskStats     `json:"disk"`
	Load       [3]float64    `json:"load,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	Timestamp  time.Time     `json:"timestamp"`
}

type MemoryStats struct {
	Used      uint64  `json:"used"`
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Percent   float64 `json:"percent"`
}

type DiskStats struct {
	Path    string  `json:"path"`
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
