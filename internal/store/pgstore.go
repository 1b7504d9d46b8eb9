package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL驱动
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

// PgStore PostgreSQL 持久化实现
type PgStore struct {
	db *sql.DB
}

// NewPgStore opens a connection, verifies it, and ensures the schema exists.
func NewPgStore(dsn string) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PgStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS instances (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    catalog_id TEXT NOT NULL,
    status     TEXT NOT NULL,
    port       INT  NOT NULL DEFAULT 0,
    record     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_tenant ON instances (tenant_id);

CREATE TABLE IF NOT EXISTS port_allocations (
    port         INT NOT NULL,
    instance_id  TEXT NOT NULL,
    catalog_id   TEXT NOT NULL,
    tenant_id    TEXT NOT NULL,
    allocated_at TIMESTAMPTZ NOT NULL,
    released_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_port_allocations_active
    ON port_allocations (port) WHERE released_at IS NULL;`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PgStore) SaveInstance(ctx context.Context, inst *model.Instance) error {
	record, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	const q = `
INSERT INTO instances (id, tenant_id, catalog_id, status, port, record)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    port   = EXCLUDED.port,
    record = EXCLUDED.record`
	if _, err := s.db.ExecContext(ctx, q, inst.ID, inst.TenantID, inst.CatalogID, string(inst.Status), inst.Port, record); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *PgStore) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	return nil
}

func (s *PgStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM instances WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query instance %s: %w", id, err)
	}
	var inst model.Instance
	if err := json.Unmarshal(record, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *PgStore) ListInstances(ctx context.Context) ([]*model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []*model.Instance
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		var inst model.Instance
		if err := json.Unmarshal(record, &inst); err != nil {
			return nil, fmt.Errorf("failed to decode instance: %w", err)
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return out, nil
}

// SaveAllocations replaces the whole allocation snapshot, mirroring the
// allocator's write-the-map-on-every-mutation model.
func (s *PgStore) SaveAllocations(ctx context.Context, allocs []Allocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin allocation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM port_allocations`); err != nil {
		return fmt.Errorf("failed to clear allocations: %w", err)
	}
	const q = `
INSERT INTO port_allocations (port, instance_id, catalog_id, tenant_id, allocated_at, released_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	for _, a := range allocs {
		if _, err := tx.ExecContext(ctx, q, a.Port, a.InstanceID, a.CatalogID, a.TenantID, a.AllocatedAt, a.ReleasedAt); err != nil {
			return fmt.Errorf("failed to insert allocation for port %d: %w", a.Port, err)
		}
	}
	return tx.Commit()
}

func (s *PgStore) LoadAllocations(ctx context.Context) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT port, instance_id, catalog_id, tenant_id, allocated_at, released_at
FROM port_allocations ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.Port, &a.InstanceID, &a.CatalogID, &a.TenantID, &a.AllocatedAt, &a.ReleasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}
	return out, nil
}

func (s *PgStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
