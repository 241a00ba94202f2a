package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostMetrics is one sample of host resource usage
type HostMetrics struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryTotal uint64    `json:"memory_total"`
}

// Sampler reads host metrics
type Sampler func(ctx context.Context) (HostMetrics, error)

// SystemSampler samples CPU and memory usage through gopsutil. The CPU
// reading blocks for one second.
func SystemSampler(ctx context.Context) (HostMetrics, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return HostMetrics{}, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostMetrics{}, err
	}

	m := HostMetrics{
		Timestamp:   time.Now().UTC(),
		MemoryUsage: memInfo.UsedPercent,
		MemoryTotal: memInfo.Total,
	}
	if len(cpuPercent) > 0 {
		m.CPUUsage = cpuPercent[0]
	}
	return m, nil
}

// MetricsCollector samples host metrics in the background so health checks
// never wait on the CPU reading
type MetricsCollector struct {
	logger   *zap.Logger
	sample   Sampler
	interval time.Duration

	mu     sync.RWMutex
	latest *HostMetrics
	stop   chan struct{}
	done   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(sample Sampler, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		sample:   sample,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start takes a first sample and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
	<-c.done
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample and stores it as the latest
func (c *MetricsCollector) Collect(ctx context.Context) {
	m, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to collect host metrics", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = &m
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", m.CPUUsage),
		zap.Float64("memory_usage", m.MemoryUsage))
}

// Latest returns the most recent sample, if any
func (c *MetricsCollector) Latest() (HostMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return HostMetrics{}, false
	}
	return *c.latest, true
}
