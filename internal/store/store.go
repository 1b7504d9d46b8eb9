package store

import (
	"context"
	"errors"
	"time"

	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

// ErrNotFound 实例记录不存在
var ErrNotFound = errors.New("instance record not found")

// Allocation 端口分配持久化记录
type Allocation struct {
	Port        int        `json:"port"`         // 端口块起始
	InstanceID  string     `json:"instance_id"`  // 持有该端口块的实例
	CatalogID   string     `json:"catalog_id"`   // 目录条目ID
	TenantID    string     `json:"tenant_id"`    // 租户ID
	AllocatedAt time.Time  `json:"allocated_at"` // 分配时间
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the allocation is still held.
func (a *Allocation) Active() bool { return a.ReleasedAt == nil }

// Store 持久化层：实例记录按实例ID存取，端口分配整体快照存取。
// 进程重启后两者都必须可恢复。
type Store interface {
	SaveInstance(ctx context.Context, inst *model.Instance) error
	DeleteInstance(ctx context.Context, id string) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context) ([]*model.Instance, error)

	SaveAllocations(ctx context.Context, allocs []Allocation) error
	LoadAllocations(ctx context.Context) ([]Allocation, error)

	Close() error
}
