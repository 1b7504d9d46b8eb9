package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

// fakeSource is a scriptable TargetSource recording every callback.
type fakeSource struct {
	mu            sync.Mutex
	targets       []Target
	statusChanges []model.HealthState
	restarts      int
	restartErr    error
}

func (f *fakeSource) ListTargets(context.Context) []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets
}

func (f *fakeSource) OnStatusChange(_ string, state model.HealthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanges = append(f.statusChanges, state)
}

func (f *fakeSource) OnRestartRequested(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func failingProbe(context.Context, int, string) error { return errors.New("connection refused") }
func passingProbe(context.Context, int, string) error { return nil }

func singleTarget() *fakeSource {
	return &fakeSource{targets: []Target{{InstanceID: "inst-1", Port: 20000, HealthPath: "/health"}}}
}

func TestMonitorAlerting(t *testing.T) {
	t.Run("AlertFiresExactlyOnceAtThreshold", func(t *testing.T) {
		src := singleTarget()
		var alerts int
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 100}, src, failingProbe,
			func(Target, int) { alerts++ })

		for i := 0; i < 6; i++ {
			m.Sweep(context.Background())
		}
		// 连续失败超过阈值后只告警一次
		assert.Equal(t, 1, alerts)

		snap := m.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, model.HealthUnhealthy, snap[0].State)
		assert.Equal(t, 6, snap[0].ConsecutiveFailures)
	})

	t.Run("RecoveryOnFirstSuccess", func(t *testing.T) {
		src := singleTarget()
		var alerts int
		probeErr := errors.New("boom")
		var mu sync.Mutex
		failing := true
		probe := func(context.Context, int, string) error {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return probeErr
			}
			return nil
		}
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 100}, src, probe,
			func(Target, int) { alerts++ })

		for i := 0; i < 3; i++ {
			m.Sweep(context.Background())
		}
		require.Equal(t, 1, alerts)

		mu.Lock()
		failing = false
		mu.Unlock()
		m.Sweep(context.Background())

		snap := m.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, model.HealthHealthy, snap[0].State)
		assert.Zero(t, snap[0].ConsecutiveFailures)

		// a fresh unhealthy episode alerts again
		mu.Lock()
		failing = true
		mu.Unlock()
		for i := 0; i < 3; i++ {
			m.Sweep(context.Background())
		}
		assert.Equal(t, 2, alerts)
	})

	t.Run("StatusChangeCallbackOnTransitionsOnly", func(t *testing.T) {
		src := singleTarget()
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 100}, src, failingProbe, nil)

		m.Sweep(context.Background())
		m.Sweep(context.Background())
		assert.Equal(t, []model.HealthState{model.HealthUnhealthy}, src.statusChanges)
	})
}

func TestMonitorAutoRestart(t *testing.T) {
	t.Run("RestartRequestedAtThreshold", func(t *testing.T) {
		src := singleTarget()
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 5, AutoRestart: true}, src, failingProbe, nil)

		for i := 0; i < 5; i++ {
			m.Sweep(context.Background())
		}
		assert.Equal(t, 1, src.restarts)

		// the counter resets after a restart so the next request needs a full
		// new run of failures
		for i := 0; i < 4; i++ {
			m.Sweep(context.Background())
		}
		assert.Equal(t, 1, src.restarts)
		m.Sweep(context.Background())
		assert.Equal(t, 2, src.restarts)
	})

	t.Run("RestartErrorDoesNotStopSweeps", func(t *testing.T) {
		src := singleTarget()
		src.restartErr = errors.New("docker restart failed")
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 5, AutoRestart: true}, src, failingProbe, nil)

		for i := 0; i < 10; i++ {
			m.Sweep(context.Background())
		}
		assert.Equal(t, 2, src.restarts)
	})

	t.Run("DisabledAutoRestartNeverRequests", func(t *testing.T) {
		src := singleTarget()
		m := NewMonitor(Config{AlertThreshold: 3, RestartThreshold: 5, AutoRestart: false}, src, failingProbe, nil)

		for i := 0; i < 20; i++ {
			m.Sweep(context.Background())
		}
		assert.Zero(t, src.restarts)
	})
}

func TestMonitorSweepReentrancy(t *testing.T) {
	src := singleTarget()
	block := make(chan struct{})
	started := make(chan struct{})
	probe := func(context.Context, int, string) error {
		close(started)
		<-block
		return nil
	}
	m := NewMonitor(Config{ProbeTimeout: time.Minute}, src, probe, nil)

	go m.Sweep(context.Background())
	<-started

	// 上一轮还在进行时，这一轮必须被跳过
	done := make(chan struct{})
	go func() {
		m.Sweep(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping sweep was not skipped")
	}
	close(block)
}

func TestMonitorDropsAbsentTargets(t *testing.T) {
	src := singleTarget()
	m := NewMonitor(Config{}, src, passingProbe, nil)

	m.Sweep(context.Background())
	require.Len(t, m.Snapshot(), 1)

	src.mu.Lock()
	src.targets = nil
	src.mu.Unlock()
	m.Sweep(context.Background())
	assert.Empty(t, m.Snapshot())
}
