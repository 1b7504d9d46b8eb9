package scaler

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// instanceLabel is the container label cAdvisor re-exports for containers the
// runtime adapter tags.
const instanceLabel = "container_label_tooldock_instance"

// InstanceLister supplies the ids the source collects metrics for.
type InstanceLister func(ctx context.Context) []string

// PromSource feeds the scaler with CPU/memory samples queried from a
// Prometheus server scraping the container daemon. It is an optional
// capability: when no Prometheus URL is configured the scaler runs on pushed
// samples only.
type PromSource struct {
	api      v1.API
	scaler   *Scaler
	list     InstanceLister
	interval time.Duration
}

// NewPromSource builds a source for the given Prometheus address.
func NewPromSource(address string, s *Scaler, list InstanceLister, interval time.Duration) (*PromSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PromSource{
		api:      v1.NewAPI(client),
		scaler:   s,
		list:     list,
		interval: interval,
	}, nil
}

// queryScalar runs an instant query expected to return a single sample and
// extracts its value.
func (p *PromSource) queryScalar(ctx context.Context, expr string) (float64, bool, error) {
	result, warnings, err := p.api.Query(ctx, expr, time.Now())
	if err != nil {
		return 0, false, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("expr", expr).Msg("prometheus query warnings")
	}
	vec, ok := result.(promModel.Vector)
	if !ok {
		return 0, false, fmt.Errorf("unexpected result type %T", result)
	}
	if len(vec) == 0 {
		return 0, false, nil
	}
	return float64(vec[0].Value), true, nil
}

// collectOnce queries CPU and memory utilization for every listed instance
// and records a sample for each.
func (p *PromSource) collectOnce(ctx context.Context) {
	for _, id := range p.list(ctx) {
		cpuExpr := fmt.Sprintf(
			`sum(rate(container_cpu_usage_seconds_total{%s=%q}[2m])) * 100`,
			instanceLabel, id)
		memExpr := fmt.Sprintf(
			`sum(container_memory_usage_bytes{%s=%q}) / sum(container_spec_memory_limit_bytes{%s=%q}) * 100`,
			instanceLabel, id, instanceLabel, id)

		cpu, cpuOK, err := p.queryScalar(ctx, cpuExpr)
		if err != nil {
			log.Error().Err(err).Str("instance", id).Msg("cpu metrics query failed")
			continue
		}
		mem, memOK, err := p.queryScalar(ctx, memExpr)
		if err != nil {
			log.Error().Err(err).Str("instance", id).Msg("memory metrics query failed")
			continue
		}
		if !cpuOK && !memOK {
			continue
		}
		p.scaler.RecordSample(id, Sample{
			CPUPercent:    cpu,
			MemoryPercent: mem,
			Timestamp:     time.Now(),
		})
	}
}

// Run collects samples on a fixed interval until cancelled.
func (p *PromSource) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.collectOnce(ctx)
		}
	}
}
