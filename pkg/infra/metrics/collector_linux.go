//go:build linux

package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type systemCollector struct {
	diskPath string

	mu   sync.Mutex
	prev cpuTimes
}

// NewCollector samples the host through procfs and sysinfo. Disk usage is
// reported for the filesystem holding diskPath (the working directory when
// empty).
func NewCollector(diskPath string) Collector {
	return &systemCollector{diskPath: diskPath}
}

func (c *systemCollector) Collect(ctx context.Context) (SystemStats, error) {
	if err := ctx.Err(); err != nil {
		return SystemStats{}, err
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return SystemStats{}, fmt.Errorf("sysinfo: %w", err)
	}

	cpu, err := c.cpuPercent()
	if err != nil {
		return SystemStats{}, err
	}
	mem, err := readMemory(&info)
	if err != nil {
		return SystemStats{}, err
	}
	disk, err := c.disk()
	if err != nil {
		return SystemStats{}, err
	}

	return SystemStats{
		CPUPercent: cpu,
		Memory:     mem,
		Disk:       disk,
		Load:       loads(&info),
		Uptime:     time.Duration(info.Uptime) * time.Second,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}, nil
}

type cpuTimes struct{ idle, total uint64 }

func readCPUTimes() (cpuTimes, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return cpuTimes{}, scanner.Err()
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected /proc/stat format: %q", scanner.Text())
	}

	var t cpuTimes
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("parse /proc/stat field %d: %w", i+1, err)
		}
		t.total += v
		if i == 3 || i == 4 { // idle, iowait
			t.idle += v
		}
	}
	return t, nil
}

// cpuPercent is the busy share since the previous Collect. The first call
// measures since boot.
func (c *systemCollector) cpuPercent() (float64, error) {
	now, err := readCPUTimes()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	prev := c.prev
	c.prev = now
	c.mu.Unlock()

	total := now.total - prev.total
	idle := now.idle - prev.idle
	if total == 0 || idle > total {
		return 0, nil
	}
	return float64(total-idle) / float64(total) * 100, nil
}

// readMemory prefers MemAvailable from procfs, which accounts for
// reclaimable cache; sysinfo only knows free RAM.
func readMemory(info *unix.Sysinfo_t) (MemoryStats, error) {
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	available := uint64(info.Freeram) * unit

	if v, ok := memAvailable(); ok {
		available = v
	}
	if total == 0 {
		return MemoryStats{}, fmt.Errorf("sysinfo reported no memory")
	}
	if available > total {
		available = total
	}
	used := total - available
	return MemoryStats{
		Used:      used,
		Total:     total,
		Available: available,
		Percent:   percent(used, total),
	}, nil
}

func memAvailable() (uint64, bool) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 || parts[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

func (c *systemCollector) disk() (DiskStats, error) {
	path := c.diskPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return DiskStats{}, err
		}
		path = wd
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := uint64(stat.Blocks) * uint64(stat.Bsize)
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	used := total - uint64(stat.Bfree)*uint64(stat.Bsize)
	return DiskStats{
		Path:    path,
		Used:    used,
		Total:   total,
		Free:    free,
		Percent: percent(used, total),
	}, nil
}

func loads(info *unix.Sysinfo_t) [3]float64 {
	// sysinfo load averages are fixed point with 16 fractional bits
	const scale = 1 << 16
	return [3]float64{
		float64(info.Loads[0]) / scale,
		float64(info.Loads[1]) / scale,
		float64(info.Loads[2]) / scale,
	}
}
