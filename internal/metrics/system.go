package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector periodically samples the process's goroutine count and
// resident memory and the host's CPU usage, and feeds them into a
// Metrics instance, smoothing CPU percentage with an
// exponential moving average so a single noisy sample doesn't swing
// the gauge.
type Collector struct {
	metrics    *Metrics
	interval   time.Duration
	cpuPercent float64
}

// NewCollector builds a Collector that samples every interval.
func NewCollector(m *Metrics, interval time.Duration) *Collector {
	return &Collector{metrics: m, interval: interval}
}

// Run samples resource usage on a ticker until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	c.metrics.SetGoroutines(runtime.NumGoroutine())

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			c.metrics.SetMemoryRSS(info.RSS)
		}
	}

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]
	if c.cpuPercent == 0 {
		c.cpuPercent = current
	} else {
		const alpha = 0.3
		c.cpuPercent = alpha*current + (1-alpha)*c.cpuPercent
	}
	c.metrics.SetCPUPercent(c.cpuPercent)
}
