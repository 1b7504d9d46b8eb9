package scaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/events"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tooldock_scale_decisions_total",
	Help: "Applied scaling decisions by direction.",
}, []string{"direction"})

// Direction of a scaling decision.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionNone Direction = "none"
)

// Policy 按实例的扩缩容策略
type Policy struct {
	Enabled bool `json:"enabled"`

	CPUHighPercent float64 `json:"cpu_high_percent"`
	CPULowPercent  float64 `json:"cpu_low_percent"`
	MemHighPercent float64 `json:"mem_high_percent"`
	MemLowPercent  float64 `json:"mem_low_percent"`
	RespHighMS     float64 `json:"resp_high_ms"`
	RespLowMS      float64 `json:"resp_low_ms"`

	MinReplicas int `json:"min_replicas"`
	MaxReplicas int `json:"max_replicas"`

	MaxMemoryMB float64 `json:"max_memory_mb"` // absolute ceiling, advisory
	MaxCPUs     float64 `json:"max_cpus"`

	Window   time.Duration `json:"window"`
	Cooldown time.Duration `json:"cooldown"`

	ScaleUpStep   int `json:"scale_up_step"`
	ScaleDownStep int `json:"scale_down_step"`
}

// DefaultPolicy returns the policy applied when a catalog entry declares none.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:        true,
		CPUHighPercent: 80,
		CPULowPercent:  20,
		MemHighPercent: 85,
		MemLowPercent:  30,
		RespHighMS:     2000,
		RespLowMS:      200,
		MinReplicas:    1,
		MaxReplicas:    5,
		Window:         5 * time.Minute,
		Cooldown:       5 * time.Minute,
		ScaleUpStep:    1,
		ScaleDownStep:  1,
	}
}

// Sample is one metrics observation for an instance.
type Sample struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decision 单次策略评估结果
type Decision struct {
	InstanceID   string    `json:"instance_id"`
	Direction    Direction `json:"direction"`
	Type         string    `json:"type,omitempty"` // cpu | memory | response_time | low_utilization
	Reason       string    `json:"reason"`
	FromReplicas int       `json:"from_replicas"`
	ToReplicas   int       `json:"to_replicas"`
	Metrics      Sample    `json:"metrics"`
	Timestamp    time.Time `json:"timestamp"`
	Applied      bool      `json:"applied"`
}

const (
	maxSamplesPerInstance = 120
	historySize           = 100
)

// Scaler evaluates per-instance scaling policy against a trailing average of
// recorded metrics. It is a decision engine: Apply updates the tracked
// replica count and emits an event, it does not replicate containers.
type Scaler struct {
	mu             sync.Mutex
	policies       map[string]Policy
	samples        map[string][]Sample
	replicas       map[string]int
	lastApplied    map[string]time.Time
	history        []Decision
	defaultPolicy  Policy
	sampleInterval time.Duration
	broadcaster    events.Broadcaster
}

// NewScaler returns a scaler with the given expected sample cadence, used to
// derive the number of samples covered by a policy window.
func NewScaler(sampleInterval time.Duration, broadcaster events.Broadcaster) *Scaler {
	if sampleInterval <= 0 {
		sampleInterval = time.Minute
	}
	if broadcaster == nil {
		broadcaster = events.NoopBroadcaster{}
	}
	return &Scaler{
		policies:       map[string]Policy{},
		samples:        map[string][]Sample{},
		replicas:       map[string]int{},
		lastApplied:    map[string]time.Time{},
		defaultPolicy:  DefaultPolicy(),
		sampleInterval: sampleInterval,
		broadcaster:    broadcaster,
	}
}

// WithDefaultPolicy overrides the policy applied by EnsurePolicy.
func (s *Scaler) WithDefaultPolicy(p Policy) *Scaler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPolicy = p
	return s
}

// EnsurePolicy registers the default policy for an instance that has none.
// Explicitly set policies are never overwritten.
func (s *Scaler) EnsurePolicy(instanceID string) {
	s.mu.Lock()
	_, exists := s.policies[instanceID]
	p := s.defaultPolicy
	s.mu.Unlock()
	if !exists {
		s.SetPolicy(instanceID, p)
	}
}

// SetPolicy enables evaluation for an instance.
func (s *Scaler) SetPolicy(instanceID string, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[instanceID] = p
	if _, ok := s.replicas[instanceID]; !ok {
		s.replicas[instanceID] = p.MinReplicas
		if p.MinReplicas <= 0 {
			s.replicas[instanceID] = 1
		}
	}
}

// Forget drops all tracked state for a decommissioned instance.
func (s *Scaler) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, instanceID)
	delete(s.samples, instanceID)
	delete(s.replicas, instanceID)
	delete(s.lastApplied, instanceID)
}

// RecordSample appends a metrics observation to the instance's bounded ring.
func (s *Scaler) RecordSample(instanceID string, sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.samples[instanceID], sample)
	if len(ring) > maxSamplesPerInstance {
		ring = ring[len(ring)-maxSamplesPerInstance:]
	}
	s.samples[instanceID] = ring
}

// Replicas returns the tracked replica count for an instance.
func (s *Scaler) Replicas(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas[instanceID]
}

// trailingAverage averages the last n samples where n approximates the policy
// window divided by the expected sample interval.
func (s *Scaler) trailingAverageLocked(instanceID string, window time.Duration) (Sample, bool) {
	ring := s.samples[instanceID]
	if len(ring) == 0 {
		return Sample{}, false
	}
	n := int(window / s.sampleInterval)
	if n < 1 {
		n = 1
	}
	if n > len(ring) {
		n = len(ring)
	}
	var avg Sample
	for _, sm := range ring[len(ring)-n:] {
		avg.CPUPercent += sm.CPUPercent
		avg.MemoryPercent += sm.MemoryPercent
		avg.ResponseTimeMS += sm.ResponseTimeMS
	}
	avg.CPUPercent /= float64(n)
	avg.MemoryPercent /= float64(n)
	avg.ResponseTimeMS /= float64(n)
	avg.Timestamp = ring[len(ring)-1].Timestamp
	return avg, true
}

// Evaluate runs one policy evaluation for the instance. Scale-up conditions
// are checked in order (CPU, memory, response time) and only the first match
// determines the decision. Scale-down requires both CPU and memory below
// their low thresholds so a single noisy signal cannot cause flapping.
func (s *Scaler) Evaluate(instanceID string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	d := Decision{InstanceID: instanceID, Direction: DirectionNone, Timestamp: now}

	policy, ok := s.policies[instanceID]
	if !ok || !policy.Enabled {
		d.Reason = "autoscaling disabled"
		return d
	}

	replicas := s.replicas[instanceID]
	d.FromReplicas = replicas
	d.ToReplicas = replicas

	if last, ok := s.lastApplied[instanceID]; ok && now.Sub(last) < policy.Cooldown {
		d.Reason = fmt.Sprintf("cooldown active for %s", (policy.Cooldown - now.Sub(last)).Round(time.Second))
		return d
	}

	avg, ok := s.trailingAverageLocked(instanceID, policy.Window)
	if !ok {
		d.Reason = "no metrics recorded"
		return d
	}
	d.Metrics = avg

	upStep := policy.ScaleUpStep
	if upStep < 1 {
		upStep = 1
	}
	downStep := policy.ScaleDownStep
	if downStep < 1 {
		downStep = 1
	}

	if replicas < policy.MaxReplicas {
		switch {
		case avg.CPUPercent > policy.CPUHighPercent:
			d.Direction = DirectionUp
			d.Type = "cpu"
			d.Reason = fmt.Sprintf("cpu %.1f%% above threshold %.1f%%", avg.CPUPercent, policy.CPUHighPercent)
		case avg.MemoryPercent > policy.MemHighPercent:
			d.Direction = DirectionUp
			d.Type = "memory"
			d.Reason = fmt.Sprintf("memory %.1f%% above threshold %.1f%%", avg.MemoryPercent, policy.MemHighPercent)
		case policy.RespHighMS > 0 && avg.ResponseTimeMS > policy.RespHighMS:
			d.Direction = DirectionUp
			d.Type = "response_time"
			d.Reason = fmt.Sprintf("response time %.0fms above threshold %.0fms", avg.ResponseTimeMS, policy.RespHighMS)
		}
		if d.Direction == DirectionUp {
			d.ToReplicas = replicas + upStep
			if d.ToReplicas > policy.MaxReplicas {
				d.ToReplicas = policy.MaxReplicas
			}
			return d
		}
	}

	if replicas > policy.MinReplicas &&
		avg.CPUPercent < policy.CPULowPercent &&
		avg.MemoryPercent < policy.MemLowPercent {
		d.Direction = DirectionDown
		d.Type = "low_utilization"
		d.Reason = fmt.Sprintf("cpu %.1f%% and memory %.1f%% below low thresholds", avg.CPUPercent, avg.MemoryPercent)
		d.ToReplicas = replicas - downStep
		if d.ToReplicas < policy.MinReplicas {
			d.ToReplicas = policy.MinReplicas
		}
		return d
	}

	d.Reason = "within thresholds"
	return d
}

// Apply records the decision: replica bookkeeping, cooldown start, history,
// observability event. Actual container replication is out of scope here.
func (s *Scaler) Apply(ctx context.Context, d Decision) {
	if d.Direction == DirectionNone {
		return
	}
	s.mu.Lock()
	d.Applied = true
	s.replicas[d.InstanceID] = d.ToReplicas
	s.lastApplied[d.InstanceID] = time.Now()
	s.history = append(s.history, d)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.mu.Unlock()

	decisionsTotal.WithLabelValues(string(d.Direction)).Inc()
	log.Info().
		Str("instance", d.InstanceID).
		Str("direction", string(d.Direction)).
		Int("from", d.FromReplicas).
		Int("to", d.ToReplicas).
		Str("reason", d.Reason).
		Msg("scaling decision applied")
	s.broadcaster.Publish(ctx, events.RoomInstance(d.InstanceID), events.Event{
		Type:       "scale_decision",
		InstanceID: d.InstanceID,
		Payload: map[string]any{
			"direction": string(d.Direction),
			"from":      d.FromReplicas,
			"to":        d.ToReplicas,
			"reason":    d.Reason,
		},
	})
}

// EvaluateAll evaluates every instance with a policy and applies any non-none
// decision.
func (s *Scaler) EvaluateAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if d := s.Evaluate(id); d.Direction != DirectionNone {
			s.Apply(ctx, d)
		}
	}
}

// Run evaluates all policies on a fixed interval until cancelled.
func (s *Scaler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.EvaluateAll(ctx)
		}
	}
}

// History returns a copy of the bounded decision history, newest last.
func (s *Scaler) History() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.history))
	copy(out, s.history)
	return out
}
