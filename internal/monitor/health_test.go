package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/testutil"
	"github.com/t77yq/opsgate/internal/webhook"
)

var testStart = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type stubRunner struct{ stats scheduler.RunnerStats }

func (s stubRunner) Stats() scheduler.RunnerStats { return s.stats }

type stubJobs int

func (s stubJobs) Len() int { return int(s) }

type stubDispatcher struct{ stats webhook.DispatcherStats }

func (s stubDispatcher) Stats() webhook.DispatcherStats { return s.stats }

type stubBus bool

func (s stubBus) Connected() bool { return bool(s) }

type stubStore struct{ err error }

func (s stubStore) Ping(ctx context.Context) error { return s.err }

type stubDocker struct{ err error }

func (s stubDocker) Ping(ctx context.Context) (types.Ping, error) {
	if s.err != nil {
		return types.Ping{}, s.err
	}
	return types.Ping{APIVersion: "1.47", OSType: "linux"}, nil
}

func TestLiveness(t *testing.T) {
	clock := testutil.NewClock(testStart)
	m := NewHealthMonitorWithClock("1.2.3", nil, zap.NewNop(), clock.Now)

	clock.Advance(90 * time.Second)
	live := m.Liveness()
	assert.Equal(t, StatusOK, live.Status)
	assert.Equal(t, "1.2.3", live.Version)
	assert.Equal(t, 90.0, live.Uptime)
	assert.True(t, live.Timestamp.Equal(testStart.Add(90*time.Second)))
}

func TestCheckHealthy(t *testing.T) {
	clock := testutil.NewClock(testStart)
	m := NewHealthMonitorWithClock("dev", nil, zaptest.NewLogger(t), clock.Now)

	runner := stubRunner{scheduler.RunnerStats{State: scheduler.RunnerStateIdle, LastTick: testStart}}
	m.Register("scheduler", true, SchedulerProbe(runner, stubJobs(3), 10*time.Second, clock.Now))
	m.Register("webhooks", true, DispatcherProbe(stubDispatcher{webhook.DispatcherStats{Fixers: 3}}))
	m.Register("event_bus", false, EventBusProbe(stubBus(false), false))
	m.Register("history", true, StoreProbe(stubStore{}, "memory"))
	m.Register("docker", false, DockerProbe(stubDocker{}))

	report := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Components, 5)

	assert.Equal(t, StatusUp, report.Components["scheduler"].Status)
	assert.Equal(t, 3, report.Components["scheduler"].Details["jobs"])
	assert.Equal(t, 3, report.Components["webhooks"].Details["fixers"])
	assert.Equal(t, StatusDisabled, report.Components["event_bus"].Status)
	assert.Equal(t, "memory", report.Components["history"].Details["backend"])
	assert.Equal(t, "1.47", report.Components["docker"].Details["api_version"])
	assert.True(t, report.Components["history"].Required)
	assert.False(t, report.Components["docker"].Required)
	assert.Nil(t, report.Host)
}

func TestCheckDegraded(t *testing.T) {
	clock := testutil.NewClock(testStart)
	m := NewHealthMonitorWithClock("dev", nil, zap.NewNop(), clock.Now)

	m.Register("history", true, StoreProbe(stubStore{err: errors.New("database is locked")}, "sqlite"))
	m.Register("docker", false, DockerProbe(stubDocker{err: errors.New("daemon unreachable")}))

	report := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDown, report.Components["history"].Status)
	assert.Equal(t, "database is locked", report.Components["history"].Error)
	assert.Equal(t, StatusDown, report.Components["docker"].Status)
}

func TestOptionalComponentDownStaysHealthy(t *testing.T) {
	m := NewHealthMonitor("dev", nil, zap.NewNop())
	m.Register("event_bus", false, EventBusProbe(stubBus(false), true))

	report := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusDown, report.Components["event_bus"].Status)
}

func TestSchedulerProbe(t *testing.T) {
	clock := testutil.NewClock(testStart)

	t.Run("Stopped", func(t *testing.T) {
		probe := SchedulerProbe(stubRunner{scheduler.RunnerStats{State: scheduler.RunnerStateStopped}}, stubJobs(0), time.Minute, clock.Now)
		assert.Equal(t, StatusDown, probe(context.Background()).Status)
	})

	t.Run("Stale", func(t *testing.T) {
		stats := scheduler.RunnerStats{State: scheduler.RunnerStateIdle, LastTick: testStart.Add(-2 * time.Minute)}
		probe := SchedulerProbe(stubRunner{stats}, stubJobs(0), time.Minute, clock.Now)
		st := probe(context.Background())
		assert.Equal(t, StatusDown, st.Status)
		assert.Contains(t, st.Error, "not ticked")
	})

	t.Run("NotYetTicked", func(t *testing.T) {
		probe := SchedulerProbe(stubRunner{scheduler.RunnerStats{State: scheduler.RunnerStateIdle}}, stubJobs(0), time.Minute, clock.Now)
		assert.Equal(t, StatusUp, probe(context.Background()).Status)
	})
}

func TestCheckProbeTimeout(t *testing.T) {
	m := NewHealthMonitor("dev", nil, zap.NewNop())
	m.timeout = 20 * time.Millisecond
	m.Register("slow", true, func(ctx context.Context) ComponentStatus {
		<-ctx.Done()
		return down(ctx.Err(), nil)
	})

	report := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Components["slow"].Error)
}

func TestMetricsCollector(t *testing.T) {
	var calls atomic.Int32
	sampler := func(ctx context.Context) (HostMetrics, error) {
		n := calls.Add(1)
		if n == 1 {
			return HostMetrics{}, errors.New("sensor unavailable")
		}
		return HostMetrics{CPUUsage: 12.5, MemoryUsage: 40}, nil
	}
	collector := NewMetricsCollector(sampler, time.Hour, zaptest.NewLogger(t))

	_, ok := collector.Latest()
	assert.False(t, ok)

	collector.Collect(context.Background())
	_, ok = collector.Latest()
	assert.False(t, ok)

	collector.Collect(context.Background())
	host, ok := collector.Latest()
	require.True(t, ok)
	assert.Equal(t, 12.5, host.CPUUsage)

	m := NewHealthMonitor("dev", collector, zap.NewNop())
	report := m.Check(context.Background())
	require.NotNil(t, report.Host)
	assert.Equal(t, 40.0, report.Host.MemoryUsage)
}

func TestMetricsCollectorLoop(t *testing.T) {
	sampled := make(chan struct{}, 1)
	sampler := func(ctx context.Context) (HostMetrics, error) {
		select {
		case sampled <- struct{}{}:
		default:
		}
		return HostMetrics{CPUUsage: 1}, nil
	}
	collector := NewMetricsCollector(sampler, time.Hour, zap.NewNop())

	collector.Start(context.Background())
	select {
	case <-sampled:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not take an initial sample")
	}
	collector.Stop()

	_, ok := collector.Latest()
	assert.True(t, ok)
}
