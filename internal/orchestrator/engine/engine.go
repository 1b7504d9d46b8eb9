package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/events"
	"github.com/tooldock/tooldock/internal/external"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
	"github.com/tooldock/tooldock/internal/orchestrator/ports"
	"github.com/tooldock/tooldock/internal/orchestrator/runtime"
	"github.com/tooldock/tooldock/internal/store"
)

var (
	// ErrPolicyRejected means the governance gate refused the deployment.
	// Nothing was allocated; the request is not retryable as-is.
	ErrPolicyRejected = errors.New("deployment rejected by governance policy")
	// ErrUnknownInstance means no instance with that id is registered.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrUnsupportedDelivery means the catalog entry does not support the
	// requested delivery mode.
	ErrUnsupportedDelivery = errors.New("delivery mode not supported by catalog entry")
)

var deploysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tooldock_deploys_total",
	Help: "Spin-up outcomes by terminal status.",
}, []string{"status"})

// ContainerRuntime is the engine's view of the container daemon. Implemented
// by runtime.DockerRuntime; faked in tests.
type ContainerRuntime interface {
	CheckAvailability(ctx context.Context) error
	PullImage(ctx context.Context, image string) error
	StartContainer(ctx context.Context, entry *catalog.Entry, inst *model.Instance) (string, error)
	StopContainer(ctx context.Context, name string) error
	RestartContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (runtime.ContainerState, error)
	ListManaged(ctx context.Context) ([]runtime.ManagedContainer, error)
	ProbeHealth(ctx context.Context, port int, path string) error
	WaitHealthy(ctx context.Context, port int, path string, attempts int, interval time.Duration) bool
	DeployProxyConfig(inst *model.Instance) error
	RemoveProxyConfig(instanceID string) error
}

// Config holds the engine's tunables.
type Config struct {
	HealthPollAttempts int
	HealthPollInterval time.Duration
	ExportDir          string
}

func (c *Config) fillDefaults() {
	if c.HealthPollAttempts <= 0 {
		c.HealthPollAttempts = 10
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = 3 * time.Second
	}
}

// SpinUpRequest 创建实例请求
type SpinUpRequest struct {
	CatalogID      string            `json:"catalog_id"`
	TenantID       string            `json:"tenant_id"`
	Name           string            `json:"name"`
	DeliveryMode   model.DeliveryMode `json:"delivery_mode"`
	Domain         string            `json:"domain,omitempty"`
	Customizations map[string]string `json:"customizations,omitempty"`
	EnvOverrides   map[string]string `json:"env_overrides,omitempty"`
}

// SpinUpResult 创建实例结果
type SpinUpResult struct {
	Instance      *model.Instance     `json:"instance"`
	Events        []model.DeployEvent `json:"events"`
	Warnings      []string            `json:"warnings,omitempty"`
	EstimatedCost float64             `json:"estimated_cost"`
}

// Stats is the operator-facing summary.
type Stats struct {
	InstancesByStatus map[model.InstanceStatus]int `json:"instances_by_status"`
	HealthSummary     map[model.HealthState]int    `json:"health_summary"`
	PortBlocksTotal   int                          `json:"port_blocks_total"`
	PortBlocksUsed    int                          `json:"port_blocks_used"`
	RecentEvents      []events.Event               `json:"recent_events"`
}

const recentEventsSize = 50

// Engine owns the instance registry and realizes catalog entries as running
// instances. The lifecycle manager and health monitor read instances and
// request mutations only through it.
type Engine struct {
	cfg         Config
	catalog     *catalog.Registry
	allocator   *ports.Allocator
	runtime     ContainerRuntime
	store       store.Store
	governance  external.Governance
	dns         external.DNSProvider
	edge        external.EdgeRouter
	broadcaster events.Broadcaster

	mu        sync.RWMutex
	instances map[string]*model.Instance

	// 每实例一把互斥锁：变更操作（旋起、停止、重启、删除）串行执行
	opMu sync.Mutex
	ops  map[string]*sync.Mutex

	recentMu     sync.Mutex
	recentEvents []events.Event
}

// New builds an engine and loads persisted instances into the registry.
func New(cfg Config, cat *catalog.Registry, alloc *ports.Allocator, rt ContainerRuntime,
	st store.Store, gov external.Governance, dns external.DNSProvider,
	edge external.EdgeRouter, bc events.Broadcaster) (*Engine, error) {
	cfg.fillDefaults()
	if gov == nil {
		gov = external.AllowAllGovernance{}
	}
	if dns == nil {
		dns = external.NoopDNS{}
	}
	if edge == nil {
		edge = external.NoopEdge{}
	}
	if bc == nil {
		bc = events.NoopBroadcaster{}
	}
	e := &Engine{
		cfg:         cfg,
		catalog:     cat,
		allocator:   alloc,
		runtime:     rt,
		store:       st,
		governance:  gov,
		dns:         dns,
		edge:        edge,
		broadcaster: bc,
		instances:   map[string]*model.Instance{},
		ops:         map[string]*sync.Mutex{},
	}
	persisted, err := st.ListInstances(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted instances: %w", err)
	}
	for _, inst := range persisted {
		e.instances[inst.ID] = inst
	}
	return e, nil
}

// Catalog exposes the registry for collaborators resolving entry metadata.
func (e *Engine) Catalog() *catalog.Registry { return e.catalog }

// Allocator exposes port occupancy for reconciliation and stats.
func (e *Engine) Allocator() *ports.Allocator { return e.allocator }

// Runtime exposes the container runtime for the lifecycle manager.
func (e *Engine) Runtime() ContainerRuntime { return e.runtime }

func (e *Engine) emit(ctx context.Context, result *SpinUpResult, inst *model.Instance, step, status, msg string) {
	ev := model.DeployEvent{Step: step, Status: status, Message: msg, Timestamp: time.Now()}
	result.Events = append(result.Events, ev)

	instID := ""
	if inst != nil {
		instID = inst.ID
	}
	bev := events.Event{
		Type:       "deploy_progress",
		InstanceID: instID,
		Payload:    map[string]any{"step": step, "status": status, "message": msg},
		Timestamp:  ev.Timestamp,
	}
	e.rememberEvent(bev)
	e.broadcaster.Publish(ctx, events.RoomGlobal, bev)
	if instID != "" {
		e.broadcaster.Publish(ctx, events.RoomInstance(instID), bev)
	}
}

func (e *Engine) rememberEvent(ev events.Event) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recentEvents = append(e.recentEvents, ev)
	if len(e.recentEvents) > recentEventsSize {
		e.recentEvents = e.recentEvents[len(e.recentEvents)-recentEventsSize:]
	}
}

// lockInstance serializes mutators on one instance: lookup, mutate, and
// persist happen under the same lock, so no mutator ever writes back a stale
// copy over a concurrent operation's result. The returned func releases the
// lock.
func (e *Engine) lockInstance(id string) func() {
	e.opMu.Lock()
	l, ok := e.ops[id]
	if !ok {
		l = &sync.Mutex{}
		e.ops[id] = l
	}
	e.opMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) setStatus(ctx context.Context, inst *model.Instance, status model.InstanceStatus) {
	inst.Status = status
	e.persist(ctx, inst)
}

// persist writes the registry entry and the durable record. A persistence
// failure is logged; the in-memory registry stays authoritative for this
// process (at-least-once, same contract as the allocator).
func (e *Engine) persist(ctx context.Context, inst *model.Instance) {
	e.mu.Lock()
	cp := *inst
	e.instances[inst.ID] = &cp
	e.mu.Unlock()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("failed to persist instance record")
	}
}

// resolveEnv layers catalog defaults, then customization-to-environment
// mappings, then explicit overrides. Later layers win.
func resolveEnv(entry *catalog.Entry, customizations, overrides map[string]string) map[string]string {
	env := map[string]string{}
	for k, v := range entry.EnvDefaults {
		env[k] = v
	}
	for key, envName := range entry.EnvMappings {
		if v, ok := customizations[key]; ok {
			env[envName] = v
		}
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

// SpinUp runs the full spin-up sequence to a terminal state: running, failed,
// exported, or queued pending the daemon. There is no mid-flight cancellation:
// the caller's context is detached so a dropped request cannot kill a
// half-created container.
func (e *Engine) SpinUp(ctx context.Context, req SpinUpRequest) (*SpinUpResult, error) {
	ctx = context.WithoutCancel(ctx)
	result := &SpinUpResult{}

	entry, err := e.catalog.Lookup(req.CatalogID)
	if err != nil {
		e.emit(ctx, result, nil, "lookup", "failed", err.Error())
		return result, err
	}

	// governance pre-check: a hard failure aborts before any resource is touched
	cost := EstimateCost(entry)
	result.EstimatedCost = cost
	decision, err := e.governance.Check(ctx, external.DeploymentRequest{
		TenantID:      req.TenantID,
		CatalogID:     req.CatalogID,
		Action:        "spin_up",
		EstimatedCost: cost,
	})
	if err != nil {
		e.emit(ctx, result, nil, "governance", "failed", err.Error())
		return result, fmt.Errorf("governance check failed: %w", err)
	}
	result.Warnings = append(result.Warnings, decision.Warnings...)
	if !decision.Allowed {
		e.emit(ctx, result, nil, "governance", "failed", decision.Reason)
		return result, fmt.Errorf("%w: %s", ErrPolicyRejected, decision.Reason)
	}
	e.emit(ctx, result, nil, "governance", "ok", "")

	mode := req.DeliveryMode
	if mode == "" {
		mode = model.DeliveryHosted
	}
	if !entry.SupportsDelivery(string(mode)) {
		e.emit(ctx, result, nil, "validate", "failed", ErrUnsupportedDelivery.Error())
		return result, ErrUnsupportedDelivery
	}
	e.emit(ctx, result, nil, "validate", "ok", "")

	inst := &model.Instance{
		ID:             uuid.NewString(),
		CatalogID:      entry.ID,
		TenantID:       req.TenantID,
		Name:           req.Name,
		Status:         model.StatusConfiguring,
		DeliveryMode:   mode,
		Domain:         req.Domain,
		Env:            resolveEnv(entry, req.Customizations, req.EnvOverrides),
		Customizations: req.Customizations,
		SecurityTier:   entry.Tier,
		Replicas:       1,
		Health:         model.HealthUnknown,
		CreatedAt:      time.Now(),
	}
	result.Instance = inst
	unlock := e.lockInstance(inst.ID)
	defer unlock()
	e.emit(ctx, result, inst, "configure", "ok", "environment resolved")

	port, err := e.allocator.Allocate(inst.ID, entry.ID, req.TenantID)
	if err != nil {
		e.emit(ctx, result, inst, "allocate-port", "failed", err.Error())
		return result, err
	}
	inst.Port = port
	inst.PortRange = e.allocator.BlockSize()
	e.emit(ctx, result, inst, "allocate-port", "ok", fmt.Sprintf("port %d", port))

	e.persist(ctx, inst)
	e.emit(ctx, result, inst, "persist", "ok", "")

	if mode == model.DeliveryExported {
		return e.finishExported(ctx, result, entry, inst)
	}
	return e.finishHosted(ctx, result, entry, inst)
}

func (e *Engine) finishExported(ctx context.Context, result *SpinUpResult, entry *catalog.Entry, inst *model.Instance) (*SpinUpResult, error) {
	bundle, err := e.generateBundle(entry, inst, "compose")
	if err != nil {
		e.setStatus(ctx, inst, model.StatusFailed)
		e.emit(ctx, result, inst, "export", "failed", err.Error())
		deploysTotal.WithLabelValues(string(model.StatusFailed)).Inc()
		return result, err
	}
	inst.Export = bundle
	e.setStatus(ctx, inst, model.StatusExported)
	e.emit(ctx, result, inst, "export", "ok", "deployment bundle generated")
	deploysTotal.WithLabelValues(string(model.StatusExported)).Inc()
	return result, nil
}

func (e *Engine) finishHosted(ctx context.Context, result *SpinUpResult, entry *catalog.Entry, inst *model.Instance) (*SpinUpResult, error) {
	e.setStatus(ctx, inst, model.StatusBuilding)
	inst.ComposeConfig = GenerateCompose(entry, inst)
	inst.ProxyConfig = runtime.GenerateProxyConfig(inst)
	e.persist(ctx, inst)
	e.emit(ctx, result, inst, "generate-config", "ok", "")

	// daemon unavailable is degraded-but-recorded, never a failure: the
	// instance keeps its generated configs and becomes retriable later
	if err := e.runtime.CheckAvailability(ctx); err != nil {
		e.setStatus(ctx, inst, model.StatusQueued)
		e.emit(ctx, result, inst, "daemon-check", "failed", err.Error())
		log.Warn().Err(err).Str("instance", inst.ID).Msg("daemon unavailable, instance queued")
		deploysTotal.WithLabelValues(string(model.StatusQueued)).Inc()
		return result, nil
	}
	e.emit(ctx, result, inst, "daemon-check", "ok", "")

	return e.driveContainer(ctx, result, entry, inst)
}

// driveContainer pulls, starts, routes, and health-polls. Shared by the
// initial spin-up and RetryQueued.
func (e *Engine) driveContainer(ctx context.Context, result *SpinUpResult, entry *catalog.Entry, inst *model.Instance) (*SpinUpResult, error) {
	e.setStatus(ctx, inst, model.StatusProvisioning)
	if err := e.runtime.PullImage(ctx, entry.Image); err != nil {
		// pull failure leaves the instance queued with its configs, same as
		// daemon unavailability
		e.setStatus(ctx, inst, model.StatusQueued)
		e.emit(ctx, result, inst, "pull-image", "failed", err.Error())
		deploysTotal.WithLabelValues(string(model.StatusQueued)).Inc()
		return result, nil
	}
	e.emit(ctx, result, inst, "pull-image", "ok", entry.Image)

	e.setStatus(ctx, inst, model.StatusStarting)
	if _, err := e.runtime.StartContainer(ctx, entry, inst); err != nil {
		e.setStatus(ctx, inst, model.StatusFailed)
		e.emit(ctx, result, inst, "start-container", "failed", err.Error())
		deploysTotal.WithLabelValues(string(model.StatusFailed)).Inc()
		return result, err
	}
	now := time.Now()
	inst.StartedAt = &now
	e.persist(ctx, inst)
	e.emit(ctx, result, inst, "start-container", "ok", "")

	if err := e.runtime.DeployProxyConfig(inst); err != nil {
		// routing is repairable after the fact; the container is up
		e.emit(ctx, result, inst, "deploy-proxy", "failed", err.Error())
		log.Error().Err(err).Str("instance", inst.ID).Msg("proxy config deploy failed")
	} else {
		e.emit(ctx, result, inst, "deploy-proxy", "ok", "")
	}

	// external routing follows the same rule: failures degrade, never abort
	if inst.Domain != "" {
		if fqdn, err := e.dns.CreateSubdomain(ctx, inst.Domain, inst.Port); err != nil {
			e.emit(ctx, result, inst, "register-dns", "failed", err.Error())
			log.Error().Err(err).Str("instance", inst.ID).Msg("dns registration failed")
		} else {
			inst.Domain = fqdn
			e.persist(ctx, inst)
			e.emit(ctx, result, inst, "register-dns", "ok", fqdn)
		}
		if err := e.edge.PushRoute(ctx, external.EdgeRoute{
			Domain:     inst.Domain,
			TargetPort: inst.Port,
			InstanceID: inst.ID,
		}); err != nil {
			e.emit(ctx, result, inst, "push-edge-route", "failed", err.Error())
			log.Error().Err(err).Str("instance", inst.ID).Msg("edge route push failed")
		} else {
			e.emit(ctx, result, inst, "push-edge-route", "ok", "")
		}
	}

	// "container started" and "container healthy" are independent facts: an
	// unhealthy container after exhausting retries is still running
	healthy := e.runtime.WaitHealthy(ctx, inst.Port, entry.HealthPath, e.cfg.HealthPollAttempts, e.cfg.HealthPollInterval)
	inst.LastHealthAt = time.Now()
	if healthy {
		inst.Health = model.HealthHealthy
		e.emit(ctx, result, inst, "health-poll", "ok", "")
	} else {
		inst.Health = model.HealthUnhealthy
		e.emit(ctx, result, inst, "health-poll", "failed", "health endpoint never turned healthy")
	}
	e.setStatus(ctx, inst, model.StatusRunning)
	deploysTotal.WithLabelValues(string(model.StatusRunning)).Inc()
	return result, nil
}

// RetryQueued re-drives the hosted path for an instance parked in the queued
// state. Like SpinUp it runs to a terminal state regardless of the caller.
func (e *Engine) RetryQueued(ctx context.Context, id string) (*SpinUpResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.StatusQueued {
		return nil, fmt.Errorf("instance %s is %s, not queued", id, inst.Status)
	}
	entry, err := e.catalog.Lookup(inst.CatalogID)
	if err != nil {
		return nil, err
	}
	result := &SpinUpResult{Instance: inst}
	if err := e.runtime.CheckAvailability(ctx); err != nil {
		e.emit(ctx, result, inst, "daemon-check", "failed", err.Error())
		return result, nil
	}
	e.emit(ctx, result, inst, "daemon-check", "ok", "")
	return e.driveContainer(ctx, result, entry, inst)
}

func (e *Engine) lookup(id string) (*model.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	cp := *inst
	return &cp, nil
}

// Get returns a copy of the instance.
func (e *Engine) Get(id string) (*model.Instance, error) { return e.lookup(id) }

// ListByTenant returns copies of the tenant's instances, newest first.
func (e *Engine) ListByTenant(tenantID string) []*model.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*model.Instance
	for _, inst := range e.instances {
		if inst.TenantID == tenantID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListAll returns copies of every registered instance.
func (e *Engine) ListAll() []*model.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Stop stops the instance's container and marks it stopped.
func (e *Engine) Stop(ctx context.Context, id string) error {
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return err
	}
	if err := e.runtime.StopContainer(ctx, runtime.ContainerName(inst)); err != nil {
		return err
	}
	now := time.Now()
	inst.StoppedAt = &now
	if inst.StartedAt != nil {
		ran := now.Sub(*inst.StartedAt)
		inst.UptimeSeconds += int64(ran.Seconds())
		if entry, cerr := e.catalog.Lookup(inst.CatalogID); cerr == nil {
			inst.AccruedCost += EstimateCost(entry) / hoursPerMonth * ran.Hours()
		}
	}
	inst.Health = model.HealthUnknown
	e.setStatus(ctx, inst, model.StatusStopped)
	return nil
}

// Restart restarts the instance's container.
func (e *Engine) Restart(ctx context.Context, id string) error {
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return err
	}
	if err := e.runtime.RestartContainer(ctx, runtime.ContainerName(inst)); err != nil {
		return err
	}
	now := time.Now()
	inst.StartedAt = &now
	inst.StoppedAt = nil
	inst.Health = model.HealthUnknown
	e.setStatus(ctx, inst, model.StatusRunning)
	return nil
}

// Remove is the engine-local removal: container, proxy config, port, record.
// The lifecycle manager's decommission cascade adds DNS and edge cleanup on
// top and reports per-step outcomes.
func (e *Engine) Remove(ctx context.Context, id string) error {
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return err
	}
	name := runtime.ContainerName(inst)
	if err := e.runtime.StopContainer(ctx, name); err != nil {
		log.Warn().Err(err).Str("instance", id).Msg("stop during remove failed")
	}
	if err := e.runtime.RemoveProxyConfig(id); err != nil {
		log.Warn().Err(err).Str("instance", id).Msg("proxy config removal failed")
	}
	if err := e.runtime.RemoveContainer(ctx, name); err != nil {
		return err
	}
	e.allocator.Release(id)
	return e.forget(ctx, id)
}

// Forget removes the instance from the registry and the durable store only.
func (e *Engine) Forget(ctx context.Context, id string) error {
	unlock := e.lockInstance(id)
	defer unlock()
	return e.forget(ctx, id)
}

func (e *Engine) forget(ctx context.Context, id string) error {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
	e.opMu.Lock()
	delete(e.ops, id)
	e.opMu.Unlock()
	if err := e.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}
	return nil
}

// UpdateHealth records a health state observed by the monitor.
func (e *Engine) UpdateHealth(ctx context.Context, id string, state model.HealthState) {
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return
	}
	inst.Health = state
	inst.LastHealthAt = time.Now()
	e.persist(ctx, inst)
	e.broadcaster.Publish(ctx, events.RoomHealth, events.Event{
		Type:       "health_change",
		InstanceID: id,
		Payload:    map[string]any{"state": string(state)},
		Timestamp:  inst.LastHealthAt,
	})
}

// RefreshHealth probes the instance once on demand and records the outcome.
func (e *Engine) RefreshHealth(ctx context.Context, id string) (model.HealthState, error) {
	inst, err := e.lookup(id)
	if err != nil {
		return model.HealthUnknown, err
	}
	if inst.Status != model.StatusRunning {
		return inst.Health, nil
	}
	entry, err := e.catalog.Lookup(inst.CatalogID)
	if err != nil {
		return model.HealthUnknown, err
	}
	state := model.HealthHealthy
	if err := e.runtime.ProbeHealth(ctx, inst.Port, entry.HealthPath); err != nil {
		state = model.HealthUnhealthy
	}
	e.UpdateHealth(ctx, id, state)
	return state, nil
}

// Stats summarizes registry, port capacity, health, and recent events.
func (e *Engine) Stats() Stats {
	st := Stats{
		InstancesByStatus: map[model.InstanceStatus]int{},
		HealthSummary:     map[model.HealthState]int{},
	}
	e.mu.RLock()
	for _, inst := range e.instances {
		st.InstancesByStatus[inst.Status]++
		st.HealthSummary[inst.Health]++
	}
	e.mu.RUnlock()

	st.PortBlocksTotal, st.PortBlocksUsed = e.allocator.Capacity()

	e.recentMu.Lock()
	st.RecentEvents = make([]events.Event, len(e.recentEvents))
	copy(st.RecentEvents, e.recentEvents)
	e.recentMu.Unlock()
	return st
}
