package model

import "time"

// InstanceStatus 实例生命周期状态
type InstanceStatus string

const (
	StatusConfiguring  InstanceStatus = "configuring"  // 正在解析配置
	StatusBuilding     InstanceStatus = "building"     // 正在生成部署配置
	StatusProvisioning InstanceStatus = "provisioning" // 正在拉取镜像
	StatusQueued       InstanceStatus = "queued"       // 等待容器守护进程可用
	StatusStarting     InstanceStatus = "starting"     // 容器启动中
	StatusRunning      InstanceStatus = "running"      // 运行中
	StatusStopped      InstanceStatus = "stopped"      // 已停止
	StatusFailed       InstanceStatus = "failed"       // 部署失败
	StatusExported     InstanceStatus = "exported"     // 已导出自托管包
)

// HealthState 健康状态
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// DeliveryMode 交付方式
type DeliveryMode string

const (
	DeliveryHosted   DeliveryMode = "hosted"   // 托管容器
	DeliveryExported DeliveryMode = "exported" // 导出自托管部署包
)

// Instance 实例数据库模型，由 Deploy Engine 独占持有
type Instance struct {
	ID             string            `json:"id"`              // 实例唯一标识符
	CatalogID      string            `json:"catalog_id"`      // 目录条目ID
	TenantID       string            `json:"tenant_id"`       // 租户ID
	Name           string            `json:"name"`            // 实例名称
	Status         InstanceStatus    `json:"status"`          // 生命周期状态
	DeliveryMode   DeliveryMode      `json:"delivery_mode"`   // 交付方式
	Port           int               `json:"port"`            // 分配的主机端口（端口块起始）
	PortRange      int               `json:"port_range"`      // 端口块大小
	Domain         string            `json:"domain,omitempty"` // 外部域名（可选）
	Env            map[string]string `json:"env"`             // 解析后的环境变量
	Customizations map[string]string `json:"customizations"`  // 用户自定义值
	SecurityTier   string            `json:"security_tier"`   // 安全等级
	Replicas       int               `json:"replicas"`        // 当前副本数
	AccruedCost    float64           `json:"accrued_cost"`    // 累计成本
	UptimeSeconds  int64             `json:"uptime_seconds"`  // 累计运行时长
	Health         HealthState       `json:"health"`          // 健康状态
	LastHealthAt   time.Time         `json:"last_health_at"`  // 最近一次健康检查时间
	ComposeConfig  string            `json:"compose_config,omitempty"` // 生成的 compose 配置
	ProxyConfig    string            `json:"proxy_config,omitempty"`   // 生成的反向代理配置
	Export         *ExportBundle     `json:"export,omitempty"`         // 导出包（可选）
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
}

// ExportBundle 自托管部署包
type ExportBundle struct {
	Format       string            `json:"format"` // compose | kubernetes
	Files        map[string]string `json:"files"`
	Instructions string            `json:"instructions"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// DeployEvent 部署过程中的进度事件
type DeployEvent struct {
	Step      string    `json:"step"`
	Status    string    `json:"status"` // started | ok | failed | skipped
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DecommissionStep 下线级联中单个步骤的结果
type DecommissionStep struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// DecommissionResult 下线结果；FullyDecommissioned 为所有步骤成功的逻辑与
type DecommissionResult struct {
	InstanceID          string             `json:"instance_id"`
	Steps               []DecommissionStep `json:"steps"`
	FullyDecommissioned bool               `json:"fully_decommissioned"`
}

// AddStep appends a step outcome and keeps the overall flag consistent.
func (r *DecommissionResult) AddStep(name string, success bool, detail string) {
	r.Steps = append(r.Steps, DecommissionStep{Name: name, Success: success, Detail: detail})
	if !success {
		r.FullyDecommissioned = false
	}
}
