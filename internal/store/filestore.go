package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

// FileStore 基于 JSON 文件的持久化实现。主路径不可写时回退到备用路径。
type FileStore struct {
	mu       sync.Mutex
	dir      string
	fallback string

	instances map[string]*model.Instance
}

// NewFileStore loads any existing state from dir (or the fallback dir) and
// returns a ready store. The directories are created as needed.
func NewFileStore(dir, fallback string) (*FileStore, error) {
	s := &FileStore{
		dir:       dir,
		fallback:  fallback,
		instances: map[string]*model.Instance{},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("primary state dir unavailable, using fallback")
		if fallback == "" {
			return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
		}
		if err := os.MkdirAll(fallback, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create fallback state dir %s: %w", fallback, err)
		}
	}
	if err := s.loadInstances(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) instancesPath(base string) string {
	return filepath.Join(base, "instances.json")
}

func (s *FileStore) allocationsPath(base string) string {
	return filepath.Join(base, "port_allocations.json")
}

func (s *FileStore) loadInstances() error {
	for _, base := range []string{s.dir, s.fallback} {
		if base == "" {
			continue
		}
		data, err := os.ReadFile(s.instancesPath(base))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read instance state: %w", err)
		}
		var list []*model.Instance
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("failed to parse instance state %s: %w", s.instancesPath(base), err)
		}
		for _, inst := range list {
			s.instances[inst.ID] = inst
		}
		return nil
	}
	return nil
}

// writeJSON writes to the primary path, falling back to the secondary path
// when the primary is unwritable. Both failing is an error for the caller to
// log; in-memory state is already updated.
func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	primary := filepath.Join(s.dir, name)
	if err := writeFileAtomic(primary, data); err == nil {
		return nil
	} else if s.fallback == "" {
		return err
	} else {
		log.Warn().Err(err).Str("path", primary).Msg("primary state write failed, trying fallback")
	}
	if err := os.MkdirAll(s.fallback, 0o755); err != nil {
		return fmt.Errorf("failed to create fallback dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.fallback, name), data); err != nil {
		return fmt.Errorf("failed to persist %s to fallback: %w", name, err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write never
// leaves a truncated state file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) flushInstancesLocked() error {
	list := make([]*model.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		list = append(list, inst)
	}
	return s.writeJSON("instances.json", list)
}

func (s *FileStore) SaveInstance(_ context.Context, inst *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	return s.flushInstancesLocked()
}

func (s *FileStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return s.flushInstancesLocked()
}

func (s *FileStore) GetInstance(_ context.Context, id string) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *FileStore) ListInstances(_ context.Context) ([]*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FileStore) SaveAllocations(_ context.Context, allocs []Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("port_allocations.json", allocs)
}

func (s *FileStore) LoadAllocations(_ context.Context) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, base := range []string{s.dir, s.fallback} {
		if base == "" {
			continue
		}
		data, err := os.ReadFile(s.allocationsPath(base))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read allocation state: %w", err)
		}
		var allocs []Allocation
		if err := json.Unmarshal(data, &allocs); err != nil {
			return nil, fmt.Errorf("failed to parse allocation state: %w", err)
		}
		return allocs, nil
	}
	return nil, nil
}

func (s *FileStore) Close() error { return nil }
