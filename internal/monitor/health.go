// Package monitor reports process liveness and the health of the components
// opsgate depends on
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/webhook"
)

// Overall and component states
const (
	StatusOK       = "ok"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	StatusUp       = "up"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

// DefaultProbeTimeout bounds a single component probe
const DefaultProbeTimeout = 2 * time.Second

// ComponentStatus is the result of one probe
type ComponentStatus struct {
	Status   string         `json:"status"`
	Required bool           `json:"required"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	Latency  time.Duration  `json:"latency_ns"`
}

// Probe checks one component
type Probe func(ctx context.Context) ComponentStatus

// Liveness is the body of the plain health endpoint
type Liveness struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Version   string    `json:"version"`
}

// Report is the detailed health of every component
type Report struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     float64                    `json:"uptime"`
	Version    string                     `json:"version"`
	Components map[string]ComponentStatus `json:"components"`
	Host       *HostMetrics               `json:"host,omitempty"`
}

type component struct {
	name     string
	required bool
	probe    Probe
}

// HealthMonitor aggregates component probes into a health report
type HealthMonitor struct {
	logger    *zap.Logger
	version   string
	startedAt time.Time
	timeout   time.Duration
	collector *MetricsCollector
	timeNow   func() time.Time

	mu         sync.RWMutex
	components []component
}

// NewHealthMonitor creates a monitor. collector may be nil.
func NewHealthMonitor(version string, collector *MetricsCollector, logger *zap.Logger) *HealthMonitor {
	return NewHealthMonitorWithClock(version, collector, logger, time.Now)
}

// NewHealthMonitorWithClock creates a monitor with an injectable clock (for testing)
func NewHealthMonitorWithClock(version string, collector *MetricsCollector, logger *zap.Logger, timeNow func() time.Time) *HealthMonitor {
	return &HealthMonitor{
		logger:    logger.Named("health-monitor"),
		version:   version,
		startedAt: timeNow(),
		timeout:   DefaultProbeTimeout,
		collector: collector,
		timeNow:   timeNow,
	}
}

// Register adds a component. A required component that is down degrades
// the overall status.
func (m *HealthMonitor) Register(name string, required bool, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, required: required, probe: probe})
}

// Liveness reports that the process is serving
func (m *HealthMonitor) Liveness() Liveness {
	now := m.timeNow()
	return Liveness{
		Status:    StatusOK,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(m.startedAt).Seconds(),
		Version:   m.version,
	}
}

// Check runs every probe concurrently, each under its own timeout
func (m *HealthMonitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	components := append([]component(nil), m.components...)
	m.mu.RUnlock()

	statuses := make([]ComponentStatus, len(components))
	var g errgroup.Group
	for i, c := range components {
		i, c := i, c
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			st := c.probe(pctx)
			st.Latency = time.Since(start)
			st.Required = c.required
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	now := m.timeNow()
	report := Report{
		Status:     StatusHealthy,
		Timestamp:  now.UTC(),
		Uptime:     now.Sub(m.startedAt).Seconds(),
		Version:    m.version,
		Components: make(map[string]ComponentStatus, len(components)),
	}

	var failing []string
	for i, c := range components {
		st := statuses[i]
		report.Components[c.name] = st
		if c.required && st.Status == StatusDown {
			report.Status = StatusDegraded
			failing = append(failing, c.name)
		}
	}

	if m.collector != nil {
		if host, ok := m.collector.Latest(); ok {
			report.Host = &host
		}
	}

	if len(failing) > 0 {
		sort.Strings(failing)
		m.logger.Warn("Health check degraded", zap.Strings("components", failing))
	}
	return report
}

func up(details map[string]any) ComponentStatus {
	return ComponentStatus{Status: StatusUp, Details: details}
}

func down(err error, details map[string]any) ComponentStatus {
	return ComponentStatus{Status: StatusDown, Error: err.Error(), Details: details}
}

// RunnerStatter is the part of the job runner the monitor reads
type RunnerStatter interface {
	Stats() scheduler.RunnerStats
}

// JobCounter reports how many jobs are registered
type JobCounter interface {
	Len() int
}

// SchedulerProbe reports the runner state. The scheduler is down when it is
// stopped or has not ticked for staleAfter.
func SchedulerProbe(runner RunnerStatter, jobs JobCounter, staleAfter time.Duration, timeNow func() time.Time) Probe {
	return func(ctx context.Context) ComponentStatus {
		stats := runner.Stats()
		details := map[string]any{
			"state":     stats.State,
			"jobs":      jobs.Len(),
			"in_flight": stats.InFlight,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"last_tick": stats.LastTick,
		}

		switch {
		case stats.State == scheduler.RunnerStateStopped:
			return ComponentStatus{Status: StatusDown, Error: "runner stopped", Details: details}
		case !stats.LastTick.IsZero() && timeNow().Sub(stats.LastTick) > staleAfter:
			return ComponentStatus{Status: StatusDown, Error: "runner has not ticked recently", Details: details}
		}
		return up(details)
	}
}

// DispatcherStatter is the part of the webhook dispatcher the monitor reads
type DispatcherStatter interface {
	Stats() webhook.DispatcherStats
}

// DispatcherProbe reports fixer and delivery counters
func DispatcherProbe(d DispatcherStatter) Probe {
	return func(ctx context.Context) ComponentStatus {
		stats := d.Stats()
		return up(map[string]any{
			"fixers":     stats.Fixers,
			"dispatched": stats.Dispatched,
			"rejected":   stats.Rejected,
			"in_flight":  stats.InFlight,
		})
	}
}

// ConnectionChecker reports whether a broker connection is live
type ConnectionChecker interface {
	Connected() bool
}

// EventBusProbe reports the broker connection. An unconfigured bus is
// disabled rather than down.
func EventBusProbe(bus ConnectionChecker, configured bool) Probe {
	return func(ctx context.Context) ComponentStatus {
		if !configured {
			return ComponentStatus{Status: StatusDisabled}
		}
		if !bus.Connected() {
			return ComponentStatus{Status: StatusDown, Error: "not connected"}
		}
		return up(nil)
	}
}

// Pinger is implemented by the execution history stores
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreProbe pings the execution history store
func StoreProbe(store Pinger, backend string) Probe {
	return func(ctx context.Context) ComponentStatus {
		details := map[string]any{"backend": backend}
		if err := store.Ping(ctx); err != nil {
			return down(err, details)
		}
		return up(details)
	}
}

// DockerPinger is the part of the docker client the monitor uses
type DockerPinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// NewDockerClient connects to the daemon configured by the DOCKER_*
// environment variables
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerProbe pings the container daemon
func DockerProbe(docker DockerPinger) Probe {
	return func(ctx context.Context) ComponentStatus {
		ping, err := docker.Ping(ctx)
		if err != nil {
			return down(err, nil)
		}
		return up(map[string]any{
			"api_version": ping.APIVersion,
			"os_type":     ping.OSType,
		})
	}
}
