package stream

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is the resource usage of a running transcoder
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryRSS  uint64  `json:"memoryRss"`
}

func readProcessStats(ctx context.Context, pid int) (*ProcessStats, error) {
	if pid <= 0 {
		return nil, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}

	stats := &ProcessStats{}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
	}
	return stats, nil
}
