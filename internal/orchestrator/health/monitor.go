package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tooldock_health_sweeps_total",
		Help: "Completed health sweeps.",
	})
	sweepsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tooldock_health_sweeps_skipped_total",
		Help: "Sweeps skipped because a previous sweep was still in flight.",
	})
	probeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tooldock_health_probe_failures_total",
		Help: "Failed liveness probes.",
	})
	restartsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tooldock_health_restarts_requested_total",
		Help: "Auto-restarts requested by the health monitor.",
	})
)

// Target is one instance the monitor probes.
type Target struct {
	InstanceID string
	Port       int
	HealthPath string
}

// TargetSource supplies the current instance set on every sweep and receives
// the monitor's callbacks. The monitor holds no reference to the deploy
// engine's internals.
type TargetSource interface {
	ListTargets(ctx context.Context) []Target
	OnStatusChange(instanceID string, state model.HealthState)
	OnRestartRequested(instanceID string) error
}

// ProbeFunc issues one liveness probe against a target's health endpoint.
type ProbeFunc func(ctx context.Context, port int, path string) error

// AlertFunc fires when a target first crosses the consecutive-failure alert
// threshold. It is invoked once per unhealthy episode, not per failure.
type AlertFunc func(target Target, consecutiveFailures int)

// Config holds the monitor's tunables.
type Config struct {
	SweepInterval    time.Duration
	ProbeTimeout     time.Duration
	AlertThreshold   int
	RestartThreshold int
	AutoRestart      bool
}

func (c *Config) fillDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 5
	}
}

// TargetStatus is the monitor's per-instance liveness record. Not persisted;
// rebuilt from the live instance set after every process start.
type TargetStatus struct {
	InstanceID          string            `json:"instance_id"`
	State               model.HealthState `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastCheck           time.Time         `json:"last_check"`
	LastChange          time.Time         `json:"last_change"`

	alerted bool
}

// Monitor runs periodic liveness sweeps over the instance set supplied by its
// TargetSource.
type Monitor struct {
	cfg    Config
	source TargetSource
	probe  ProbeFunc
	alert  AlertFunc

	inFlight atomic.Bool

	mu      sync.Mutex
	records map[string]*TargetStatus
}

// NewMonitor wires a monitor to its collaborators. alert may be nil.
func NewMonitor(cfg Config, source TargetSource, probe ProbeFunc, alert AlertFunc) *Monitor {
	cfg.fillDefaults()
	return &Monitor{
		cfg:     cfg,
		source:  source,
		probe:   probe,
		alert:   alert,
		records: map[string]*TargetStatus{},
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every target once. An overrunning sweep prevents the next one
// from starting: the in-flight flag is an atomic CAS so the scheduled loop
// and a manual trigger cannot race past the check together. Skipped sweeps
// are dropped, not queued.
func (m *Monitor) Sweep(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		sweepsSkipped.Inc()
		log.Debug().Msg("health sweep already in flight, skipping")
		return
	}
	defer m.inFlight.Store(false)

	targets := m.source.ListTargets(ctx)
	m.dropAbsent(targets)

	type outcome struct {
		target Target
		err    error
	}
	results := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			results[i] = outcome{target: target, err: m.probe(probeCtx, target.Port, target.HealthPath)}
		}(i, target)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			probeFailures.Inc()
			m.recordFailure(res.target)
		} else {
			m.recordSuccess(res.target)
		}
	}
	sweepsTotal.Inc()
}

// TriggerSweep runs one on-demand sweep, subject to the same re-entrancy
// guard as the scheduled loop.
func (m *Monitor) TriggerSweep(ctx context.Context) { m.Sweep(ctx) }

// dropAbsent discards records for instances no longer in the provided set.
func (m *Monitor) dropAbsent(targets []Target) {
	present := make(map[string]bool, len(targets))
	for _, t := range targets {
		present[t.InstanceID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.records {
		if !present[id] {
			delete(m.records, id)
		}
	}
}

func (m *Monitor) recordLocked(id string) *TargetStatus {
	rec, ok := m.records[id]
	if !ok {
		rec = &TargetStatus{InstanceID: id, State: model.HealthUnknown}
		m.records[id] = rec
	}
	return rec
}

func (m *Monitor) recordFailure(target Target) {
	m.mu.Lock()
	rec := m.recordLocked(target.InstanceID)
	now := time.Now()
	rec.LastCheck = now
	rec.ConsecutiveFailures++
	failures := rec.ConsecutiveFailures

	changed := rec.State != model.HealthUnhealthy
	if changed {
		rec.State = model.HealthUnhealthy
		rec.LastChange = now
	}
	fireAlert := !rec.alerted && failures >= m.cfg.AlertThreshold
	if fireAlert {
		rec.alerted = true
	}
	requestRestart := m.cfg.AutoRestart && failures >= m.cfg.RestartThreshold
	if requestRestart {
		rec.ConsecutiveFailures = 0
	}
	m.mu.Unlock()

	if changed {
		m.source.OnStatusChange(target.InstanceID, model.HealthUnhealthy)
	}
	if fireAlert && m.alert != nil {
		log.Warn().Str("instance", target.InstanceID).Int("failures", failures).Msg("instance crossed alert threshold")
		m.alert(target, failures)
	}
	if requestRestart {
		restartsRequested.Inc()
		log.Warn().Str("instance", target.InstanceID).Msg("requesting auto-restart")
		if err := m.source.OnRestartRequested(target.InstanceID); err != nil {
			// a failed restart must not crash the sweep
			log.Error().Err(err).Str("instance", target.InstanceID).Msg("auto-restart failed")
		}
	}
}

func (m *Monitor) recordSuccess(target Target) {
	m.mu.Lock()
	rec := m.recordLocked(target.InstanceID)
	now := time.Now()
	rec.LastCheck = now
	rec.ConsecutiveFailures = 0
	rec.alerted = false

	// a single success flips status immediately: no debounce on recovery
	changed := rec.State != model.HealthHealthy
	if changed {
		rec.State = model.HealthHealthy
		rec.LastChange = now
	}
	m.mu.Unlock()

	if changed {
		m.source.OnStatusChange(target.InstanceID, model.HealthHealthy)
	}
}

// Snapshot returns a copy of every tracked record, for the stats surface.
func (m *Monitor) Snapshot() []TargetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TargetStatus, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}
