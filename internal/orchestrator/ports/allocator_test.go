package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tooldock/tooldock/internal/store"
)

func newTestAllocator(t *testing.T, base, ceiling, blockSize int) (*Allocator, store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir, t.TempDir())
	require.NoError(t, err)
	a, err := NewAllocator(base, ceiling, blockSize, st)
	require.NoError(t, err)
	return a, st
}

func TestAllocator(t *testing.T) {
	t.Run("NoTwoInstancesShareABlock", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20099, 10)

		seen := map[int]string{}
		for _, id := range []string{"a", "b", "c", "d"} {
			port, err := a.Allocate(id, "tool", "tenant-1")
			require.NoError(t, err)
			prev, dup := seen[port]
			require.Falsef(t, dup, "port %d handed to both %s and %s", port, prev, id)
			seen[port] = id
			assert.Zero(t, (port-20000)%10, "block start must be aligned")
		}
	})

	t.Run("AllocateIsIdempotentPerInstance", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20099, 10)

		first, err := a.Allocate("inst-1", "tool", "tenant-1")
		require.NoError(t, err)
		again, err := a.Allocate("inst-1", "tool", "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, first, again)

		_, used := a.Capacity()
		assert.Equal(t, 1, used)
	})

	t.Run("ReleasedBlockIsReused", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20029, 10)

		p1, err := a.Allocate("inst-1", "tool", "t")
		require.NoError(t, err)
		_, err = a.Allocate("inst-2", "tool", "t")
		require.NoError(t, err)

		port, ok := a.Release("inst-1")
		require.True(t, ok)
		assert.Equal(t, p1, port)

		// first-free scan hands the lowest freed block back out
		p3, err := a.Allocate("inst-3", "tool", "t")
		require.NoError(t, err)
		assert.Equal(t, p1, p3)
	})

	t.Run("ExhaustionReturnsTypedError", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20019, 10) // room for two blocks only

		_, err := a.Allocate("inst-1", "tool", "t")
		require.NoError(t, err)
		_, err = a.Allocate("inst-2", "tool", "t")
		require.NoError(t, err)
		_, err = a.Allocate("inst-3", "tool", "t")
		require.ErrorIs(t, err, ErrPortsExhausted)
	})

	t.Run("ReleaseUnknownInstance", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20099, 10)
		_, ok := a.Release("never-allocated")
		assert.False(t, ok)
	})

	t.Run("AllocationsSurviveRestart", func(t *testing.T) {
		dir := t.TempDir()
		fallback := t.TempDir()
		st, err := store.NewFileStore(dir, fallback)
		require.NoError(t, err)

		a, err := NewAllocator(20000, 20099, 10, st)
		require.NoError(t, err)
		port, err := a.Allocate("inst-1", "tool", "tenant-1")
		require.NoError(t, err)

		// 重新加载，模拟进程重启
		st2, err := store.NewFileStore(dir, fallback)
		require.NoError(t, err)
		restored, err := NewAllocator(20000, 20099, 10, st2)
		require.NoError(t, err)

		got, ok := restored.PortFor("inst-1")
		require.True(t, ok)
		assert.Equal(t, port, got)

		// the restored allocator must not hand the same block out again
		other, err := restored.Allocate("inst-2", "tool", "tenant-1")
		require.NoError(t, err)
		assert.NotEqual(t, port, other)
	})

	t.Run("ReleaseStampsTimestampAndKeepsHistory", func(t *testing.T) {
		dir := t.TempDir()
		fallback := t.TempDir()
		st, err := store.NewFileStore(dir, fallback)
		require.NoError(t, err)
		a, err := NewAllocator(20000, 20099, 10, st)
		require.NoError(t, err)

		port, err := a.Allocate("inst-1", "tool", "t")
		require.NoError(t, err)
		_, ok := a.Release("inst-1")
		require.True(t, ok)

		hist := a.ReleasedHistory()
		require.Len(t, hist, 1)
		assert.Equal(t, port, hist[0].Port)
		require.NotNil(t, hist[0].ReleasedAt)
		assert.False(t, hist[0].Active())

		// 重启后历史仍在，但不占用任何端口块
		st2, err := store.NewFileStore(dir, fallback)
		require.NoError(t, err)
		restored, err := NewAllocator(20000, 20099, 10, st2)
		require.NoError(t, err)
		assert.Len(t, restored.ReleasedHistory(), 1)
		_, used := restored.Capacity()
		assert.Zero(t, used)

		// the released block is immediately reusable
		again, err := restored.Allocate("inst-2", "tool", "t")
		require.NoError(t, err)
		assert.Equal(t, port, again)
	})

	t.Run("ReconcileReportsWithoutMutating", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20099, 10)

		p1, err := a.Allocate("live", "tool", "t")
		require.NoError(t, err)
		p2, err := a.Allocate("gone", "tool", "t")
		require.NoError(t, err)
		_ = p1

		report := a.Reconcile([]string{"live", "unallocated"})
		assert.Equal(t, []int{p2}, report.OrphanedPorts)
		assert.Equal(t, []string{"unallocated"}, report.MissingAllocations)

		// reconcile must not release anything
		_, used := a.Capacity()
		assert.Equal(t, 2, used)
	})

	t.Run("ReleaseOrphansFreesOnlyDeadAllocations", func(t *testing.T) {
		a, _ := newTestAllocator(t, 20000, 20099, 10)

		_, err := a.Allocate("live", "tool", "t")
		require.NoError(t, err)
		p2, err := a.Allocate("gone", "tool", "t")
		require.NoError(t, err)

		released := a.ReleaseOrphans([]string{"live"})
		assert.Equal(t, []int{p2}, released)

		_, ok := a.PortFor("live")
		assert.True(t, ok)
		_, ok = a.PortFor("gone")
		assert.False(t, ok)
	})
}

func TestNewAllocatorValidation(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	_, err = NewAllocator(20000, 29999, 0, st)
	assert.Error(t, err)
	_, err = NewAllocator(29999, 20000, 10, st)
	assert.Error(t, err)
}
