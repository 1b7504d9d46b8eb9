package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Window = time.Minute
	p.Cooldown = 5 * time.Minute
	return p
}

func feed(s *Scaler, id string, n int, sample Sample) {
	for i := 0; i < n; i++ {
		sample.Timestamp = time.Now()
		s.RecordSample(id, sample)
	}
}

func TestScalerEvaluate(t *testing.T) {
	t.Run("HighCPUScalesUp", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		feed(s, "inst-1", 3, Sample{CPUPercent: 90, MemoryPercent: 40})

		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionUp, d.Direction)
		assert.Equal(t, "cpu", d.Type)
		assert.Equal(t, 1, d.FromReplicas)
		assert.Equal(t, 2, d.ToReplicas)
	})

	t.Run("FirstMatchWins", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		// CPU 和内存同时超限时按 CPU 归因
		feed(s, "inst-1", 3, Sample{CPUPercent: 95, MemoryPercent: 95})

		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionUp, d.Direction)
		assert.Equal(t, "cpu", d.Type)
	})

	t.Run("ResponseTimeScalesUp", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		feed(s, "inst-1", 3, Sample{CPUPercent: 50, MemoryPercent: 50, ResponseTimeMS: 3000})

		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionUp, d.Direction)
		assert.Equal(t, "response_time", d.Type)
	})

	t.Run("CooldownBlocksImmediateReEvaluation", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		feed(s, "inst-1", 3, Sample{CPUPercent: 90})

		d := s.Evaluate("inst-1")
		require.Equal(t, DirectionUp, d.Direction)
		s.Apply(context.Background(), d)
		assert.Equal(t, 2, s.Replicas("inst-1"))

		again := s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, again.Direction)
		assert.Contains(t, again.Reason, "cooldown")
	})

	t.Run("ScaleDownRequiresBothSignalsLow", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		p := testPolicy()
		s.SetPolicy("inst-1", p)
		s.mu.Lock()
		s.replicas["inst-1"] = 3
		s.mu.Unlock()

		// CPU 低但内存不低，不缩容
		feed(s, "inst-1", 3, Sample{CPUPercent: 10, MemoryPercent: 60})
		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, d.Direction)

		s.Forget("inst-1")
		s.SetPolicy("inst-1", p)
		s.mu.Lock()
		s.replicas["inst-1"] = 3
		s.mu.Unlock()
		feed(s, "inst-1", 3, Sample{CPUPercent: 10, MemoryPercent: 10})
		d = s.Evaluate("inst-1")
		assert.Equal(t, DirectionDown, d.Direction)
		assert.Equal(t, 2, d.ToReplicas)
	})

	t.Run("BoundsAreRespected", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		p := testPolicy()
		p.MaxReplicas = 2
		s.SetPolicy("inst-1", p)
		s.mu.Lock()
		s.replicas["inst-1"] = 2
		s.mu.Unlock()

		feed(s, "inst-1", 3, Sample{CPUPercent: 99})
		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, d.Direction, "at max replicas no scale-up decision")

		// at min replicas no scale-down either
		s.Forget("inst-1")
		s.SetPolicy("inst-1", p)
		feed(s, "inst-1", 3, Sample{CPUPercent: 1, MemoryPercent: 1})
		d = s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, d.Direction)
	})

	t.Run("NoSamplesNoDecision", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, d.Direction)
		assert.Equal(t, "no metrics recorded", d.Reason)
	})

	t.Run("DisabledPolicy", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		p := testPolicy()
		p.Enabled = false
		s.SetPolicy("inst-1", p)
		feed(s, "inst-1", 3, Sample{CPUPercent: 99})
		d := s.Evaluate("inst-1")
		assert.Equal(t, DirectionNone, d.Direction)
		assert.Equal(t, "autoscaling disabled", d.Reason)
	})
}

func TestTrailingAverageWindow(t *testing.T) {
	// 窗口只覆盖最近两个采样：旧的高负载样本不应影响结果
	s := NewScaler(time.Minute, nil)
	p := testPolicy()
	p.Window = 2 * time.Minute
	s.SetPolicy("inst-1", p)

	feed(s, "inst-1", 10, Sample{CPUPercent: 99})
	feed(s, "inst-1", 2, Sample{CPUPercent: 10, MemoryPercent: 40})

	d := s.Evaluate("inst-1")
	assert.Equal(t, DirectionNone, d.Direction)
	assert.InDelta(t, 10, d.Metrics.CPUPercent, 0.001)
}

func TestScalerBookkeeping(t *testing.T) {
	t.Run("EnsurePolicyDoesNotOverwrite", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		p := testPolicy()
		p.MaxReplicas = 9
		s.SetPolicy("inst-1", p)
		s.EnsurePolicy("inst-1")

		s.mu.Lock()
		got := s.policies["inst-1"]
		s.mu.Unlock()
		assert.Equal(t, 9, got.MaxReplicas)
	})

	t.Run("HistoryIsBounded", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		for i := 0; i < historySize+20; i++ {
			s.Apply(context.Background(), Decision{
				InstanceID: "inst-1",
				Direction:  DirectionUp,
				ToReplicas: 2,
			})
		}
		assert.Len(t, s.History(), historySize)
	})

	t.Run("ForgetDropsAllState", func(t *testing.T) {
		s := NewScaler(time.Minute, nil)
		s.SetPolicy("inst-1", testPolicy())
		feed(s, "inst-1", 3, Sample{CPUPercent: 90})
		s.Forget("inst-1")

		d := s.Evaluate("inst-1")
		assert.Equal(t, "autoscaling disabled", d.Reason)
		assert.Zero(t, s.Replicas("inst-1"))
	})
}
