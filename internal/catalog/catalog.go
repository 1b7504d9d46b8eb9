package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry 目录条目：可部署容器化工具的不可变描述
type Entry struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Image          string            `yaml:"image" json:"image"`               // 容器镜像引用
	Ports          []int             `yaml:"ports" json:"ports"`               // 容器内部端口，依序映射到端口块
	Volumes        []string          `yaml:"volumes,omitempty" json:"volumes"` // 卷挂载声明
	EnvDefaults    map[string]string `yaml:"env_defaults,omitempty" json:"env_defaults"`
	EnvMappings    map[string]string `yaml:"env_mappings,omitempty" json:"env_mappings"` // 自定义键 -> 环境变量名
	HealthPath     string            `yaml:"health_path,omitempty" json:"health_path"`
	HealthInterval string            `yaml:"health_interval,omitempty" json:"health_interval"` // e.g. "30s"
	CPULimit       string            `yaml:"cpu_limit,omitempty" json:"cpu_limit"`             // e.g. "2"
	MemoryLimit    string            `yaml:"memory_limit,omitempty" json:"memory_limit"`       // e.g. "4G"
	Tier           string            `yaml:"tier,omitempty" json:"tier"`                       // basic | standard | premium
	RequiresGPU    bool              `yaml:"requires_gpu,omitempty" json:"requires_gpu"`
	NetworkPolicy  string            `yaml:"network_policy,omitempty" json:"network_policy"`
	DeliveryModes  []string          `yaml:"delivery_modes,omitempty" json:"delivery_modes"` // hosted, exported
}

// SupportsDelivery reports whether the entry allows the given delivery mode.
// An entry with no declared modes is hosted-only.
func (e *Entry) SupportsDelivery(mode string) bool {
	if len(e.DeliveryModes) == 0 {
		return mode == "hosted"
	}
	for _, m := range e.DeliveryModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Registry 目录注册表，从 YAML 文件加载后只读
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// LoadFile 从 YAML 文件加载目录条目
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var doc struct {
		Entries []*Entry `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	r := NewRegistry()
	for _, e := range doc.Entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry without id in %s", path)
		}
		r.entries[e.ID] = e
	}
	return r, nil
}

// Add registers an entry. Intended for tests and programmatic seeding.
func (r *Registry) Add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("catalog entry not found: %s", id)
	}
	return e, nil
}

// List returns all entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
