package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/events"
	"github.com/tooldock/tooldock/internal/external"
	"github.com/tooldock/tooldock/internal/orchestrator/engine"
	"github.com/tooldock/tooldock/internal/orchestrator/health"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
	"github.com/tooldock/tooldock/internal/orchestrator/ports"
	"github.com/tooldock/tooldock/internal/orchestrator/runtime"
	"github.com/tooldock/tooldock/internal/orchestrator/scaler"
)

// ReconcileReport 启动对账结果：只观测，不清理
type ReconcileReport struct {
	Ports             ports.ReconcileReport `json:"ports"`
	UnknownContainers []string              `json:"unknown_containers"` // 有容器，注册表无记录
	StaleRecords      []string              `json:"stale_records"`      // 记录为 running，实际无容器在跑
}

// Manager owns cross-component lifecycle flows: the decommission cascade,
// startup reconciliation, and the health monitor's view of the instance set.
type Manager struct {
	engine      *engine.Engine
	scaler      *scaler.Scaler
	dns         external.DNSProvider
	edge        external.EdgeRouter
	broadcaster events.Broadcaster
	opTimeout   time.Duration
}

// NewManager wires the manager. scaler, dns, edge, and broadcaster may be nil.
func NewManager(eng *engine.Engine, sc *scaler.Scaler, dns external.DNSProvider,
	edge external.EdgeRouter, bc events.Broadcaster, opTimeout time.Duration) *Manager {
	if dns == nil {
		dns = external.NoopDNS{}
	}
	if edge == nil {
		edge = external.NoopEdge{}
	}
	if bc == nil {
		bc = events.NoopBroadcaster{}
	}
	if opTimeout <= 0 {
		opTimeout = 60 * time.Second
	}
	return &Manager{
		engine:      eng,
		scaler:      sc,
		dns:         dns,
		edge:        edge,
		broadcaster: bc,
		opTimeout:   opTimeout,
	}
}

// ListTargets returns the hosted, running instances the health monitor should
// probe on this sweep.
func (m *Manager) ListTargets(ctx context.Context) []health.Target {
	var targets []health.Target
	for _, inst := range m.engine.ListAll() {
		if inst.Status != model.StatusRunning || inst.DeliveryMode != model.DeliveryHosted {
			continue
		}
		path := "/"
		if entry, err := m.engine.Catalog().Lookup(inst.CatalogID); err == nil && entry.HealthPath != "" {
			path = entry.HealthPath
		}
		targets = append(targets, health.Target{
			InstanceID: inst.ID,
			Port:       inst.Port,
			HealthPath: path,
		})
	}
	return targets
}

// OnStatusChange records a monitor-observed health transition.
func (m *Manager) OnStatusChange(instanceID string, state model.HealthState) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	m.engine.UpdateHealth(ctx, instanceID, state)
}

// OnRestartRequested restarts the instance's container on the monitor's
// behalf.
func (m *Manager) OnRestartRequested(instanceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	return m.engine.Restart(ctx, instanceID)
}

// Reconcile diffs durable state against the live container set after a
// process start. It reports anomalies and mutates nothing: orphaned ports may
// belong to containers still starting, and unknown containers may be operator
// experiments we must not kill.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	instances := m.engine.ListAll()
	known := make(map[string]*model.Instance, len(instances))
	var liveIDs []string
	for _, inst := range instances {
		known[inst.ID] = inst
		if inst.Status == model.StatusRunning || inst.Status == model.StatusStopped ||
			inst.Status == model.StatusQueued || inst.Status == model.StatusStarting {
			liveIDs = append(liveIDs, inst.ID)
		}
	}
	report.Ports = m.engine.Allocator().Reconcile(liveIDs)

	containers, err := m.engine.Runtime().ListManaged(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list managed containers: %w", err)
	}
	present := map[string]bool{}
	for _, c := range containers {
		present[c.InstanceID] = c.Running || present[c.InstanceID]
		if _, ok := known[c.InstanceID]; !ok {
			report.UnknownContainers = append(report.UnknownContainers, c.Name)
		}
	}
	for _, inst := range instances {
		if inst.Status == model.StatusRunning && !present[inst.ID] {
			report.StaleRecords = append(report.StaleRecords, inst.ID)
		}
	}

	if len(report.Ports.OrphanedPorts) > 0 {
		log.Warn().Ints("ports", report.Ports.OrphanedPorts).Msg("orphaned port allocations found, not releasing")
	}
	if len(report.UnknownContainers) > 0 {
		log.Warn().Strs("containers", report.UnknownContainers).Msg("managed containers with no registry record")
	}
	if len(report.StaleRecords) > 0 {
		log.Warn().Strs("instances", report.StaleRecords).Msg("running records with no live container")
	}
	return report, nil
}

// Decommission tears an instance down across every subsystem. Steps run in
// order and a failed step never stops the cascade: later steps still get
// their chance to clean up, and FullyDecommissioned reports whether a manual
// follow-up is needed.
func (m *Manager) Decommission(ctx context.Context, instanceID string) *model.DecommissionResult {
	result := &model.DecommissionResult{
		InstanceID:          instanceID,
		FullyDecommissioned: true,
	}

	inst, err := m.engine.Get(instanceID)
	if err != nil {
		result.AddStep("lookup", false, err.Error())
		return result
	}
	result.AddStep("lookup", true, "")

	name := runtime.ContainerName(inst)
	rt := m.engine.Runtime()

	m.step(ctx, result, "stop-container", func(ctx context.Context) error {
		return rt.StopContainer(ctx, name)
	})

	if inst.Domain != "" {
		m.step(ctx, result, "remove-dns", func(ctx context.Context) error {
			return m.dns.RemoveSubdomain(ctx, inst.Domain)
		})
	} else {
		result.AddStep("remove-dns", true, "no domain registered")
	}

	m.step(ctx, result, "remove-proxy-config", func(context.Context) error {
		return rt.RemoveProxyConfig(inst.ID)
	})

	m.step(ctx, result, "remove-container", func(ctx context.Context) error {
		return rt.RemoveContainer(ctx, name)
	})

	if inst.Domain != "" {
		m.step(ctx, result, "remove-edge-route", func(ctx context.Context) error {
			return m.edge.RemoveRoute(ctx, inst.Domain)
		})
	} else {
		result.AddStep("remove-edge-route", true, "no domain registered")
	}

	if port, ok := m.engine.Allocator().Release(inst.ID); ok {
		result.AddStep("release-port", true, fmt.Sprintf("port %d", port))
	} else {
		result.AddStep("release-port", true, "no allocation held")
	}

	m.step(ctx, result, "remove-record", func(ctx context.Context) error {
		return m.engine.Forget(ctx, inst.ID)
	})

	if m.scaler != nil {
		m.scaler.Forget(inst.ID)
	}

	log.Info().
		Str("instance", instanceID).
		Bool("fully_decommissioned", result.FullyDecommissioned).
		Msg("decommission cascade finished")
	m.broadcaster.Publish(ctx, events.RoomInstance(instanceID), events.Event{
		Type:       "decommissioned",
		InstanceID: instanceID,
		Payload:    map[string]any{"fully_decommissioned": result.FullyDecommissioned},
		Timestamp:  time.Now(),
	})
	return result
}

// step runs one cascade action under a per-step timeout and records it. The
// error is captured, logged, and swallowed so the cascade keeps going. The
// timeout derives from the background context, not the caller's: a dropped
// HTTP request must not abandon a half-torn-down instance.
func (m *Manager) step(_ context.Context, result *model.DecommissionResult, name string, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		log.Error().Err(err).Str("instance", result.InstanceID).Str("step", name).Msg("decommission step failed")
		result.AddStep(name, false, err.Error())
		return
	}
	result.AddStep(name, true, "")
}
