package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

func TestFileStoreInstances(t *testing.T) {
	ctx := context.Background()

	t.Run("SaveGetDelete", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir(), t.TempDir())
		require.NoError(t, err)

		inst := &model.Instance{
			ID:        "inst-1",
			CatalogID: "pdf-tool",
			TenantID:  "tenant-1",
			Status:    model.StatusRunning,
			Port:      20000,
			CreatedAt: time.Now(),
		}
		require.NoError(t, s.SaveInstance(ctx, inst))

		got, err := s.GetInstance(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, inst.Port, got.Port)
		assert.Equal(t, inst.Status, got.Status)

		require.NoError(t, s.DeleteInstance(ctx, "inst-1"))
		_, err = s.GetInstance(ctx, "inst-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("StateSurvivesReload", func(t *testing.T) {
		dir := t.TempDir()
		fallback := t.TempDir()

		s, err := NewFileStore(dir, fallback)
		require.NoError(t, err)
		require.NoError(t, s.SaveInstance(ctx, &model.Instance{ID: "inst-1", Status: model.StatusQueued}))
		require.NoError(t, s.SaveAllocations(ctx, []Allocation{
			{Port: 20000, InstanceID: "inst-1", AllocatedAt: time.Now()},
		}))

		s2, err := NewFileStore(dir, fallback)
		require.NoError(t, err)
		list, err := s2.ListInstances(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, model.StatusQueued, list[0].Status)

		allocs, err := s2.LoadAllocations(ctx)
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.Equal(t, 20000, allocs[0].Port)
	})

	t.Run("ReturnedInstanceIsACopy", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir(), t.TempDir())
		require.NoError(t, err)
		require.NoError(t, s.SaveInstance(ctx, &model.Instance{ID: "inst-1", Port: 20000}))

		got, err := s.GetInstance(ctx, "inst-1")
		require.NoError(t, err)
		got.Port = 99999

		again, err := s.GetInstance(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, 20000, again.Port)
	})
}

func TestFileStoreFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("WriteFallsBackWhenPrimaryUnwritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission bits do not bind as root")
		}
		primary := t.TempDir()
		fallback := t.TempDir()
		s, err := NewFileStore(primary, fallback)
		require.NoError(t, err)

		// 主目录变为只读后写入应落到备用目录
		require.NoError(t, os.Chmod(primary, 0o555))
		t.Cleanup(func() { _ = os.Chmod(primary, 0o755) })

		require.NoError(t, s.SaveInstance(ctx, &model.Instance{ID: "inst-1"}))
		_, err = os.Stat(filepath.Join(fallback, "instances.json"))
		assert.NoError(t, err)
	})

	t.Run("LoadReadsFallbackWhenPrimaryEmpty", func(t *testing.T) {
		primary := t.TempDir()
		fallback := t.TempDir()

		data := []byte(`[{"id":"inst-1","status":"running"}]`)
		require.NoError(t, os.WriteFile(filepath.Join(fallback, "instances.json"), data, 0o644))

		s, err := NewFileStore(primary, fallback)
		require.NoError(t, err)
		got, err := s.GetInstance(context.Background(), "inst-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, got.Status)
	})

	t.Run("AllocationActiveFlag", func(t *testing.T) {
		now := time.Now()
		active := Allocation{Port: 20000, InstanceID: "a", AllocatedAt: now}
		released := Allocation{Port: 20010, InstanceID: "b", AllocatedAt: now, ReleasedAt: &now}
		assert.True(t, active.Active())
		assert.False(t, released.Active())
	})
}
