// Package cpumon samples system CPU utilization from /proc/stat. The
// supervisor reads the rolling value as one of its admission gates.
package cpumon

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/metrics"
)

// Monitor samples aggregate CPU time once per interval and exposes the
// utilization of the last window as a value in [0, 1].
type Monitor struct {
	fs       procfs.FS
	interval time.Duration
	logger   *zap.Logger

	// utilization bits of a float64
	util atomic.Uint64
}

// New creates a Monitor reading from the default /proc mount.
func New(interval time.Duration, logger *zap.Logger) (*Monitor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{fs: fs, interval: interval, logger: logger}, nil
}

// Utilization returns the most recent sample, 0 before the first window.
func (m *Monitor) Utilization() float64 {
	return math.Float64frombits(m.util.Load())
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	prevIdle, prevTotal, ok := m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, total, sampled := m.sample()
			if sampled && ok && total > prevTotal {
				util := 1 - (idle-prevIdle)/(total-prevTotal)
				if util < 0 {
					util = 0
				}
				m.util.Store(math.Float64bits(util))
				metrics.CPUUtilization.Set(util)
			}
			prevIdle, prevTotal, ok = idle, total, sampled
		}
	}
}

// sample reads cumulative idle and total CPU seconds.
func (m *Monitor) sample() (idle, total float64, ok bool) {
	stat, err := m.fs.Stat()
	if err != nil {
		m.logger.Warn("reading /proc/stat failed", zap.Error(err))
		return 0, 0, false
	}
	c := stat.CPUTotal
	idle = c.Idle + c.Iowait
	total = idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return idle, total, true
}
