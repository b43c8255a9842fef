package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstanceState is the lifecycle state of a deployed gateway.
type InstanceState string

const (
	StateRunning InstanceState = "running"
	StateStopped InstanceState = "stopped"
	StateError   InstanceState = "error"
	StateUnknown InstanceState = "unknown"
)

// Instance is one deployed gateway: config file, state dir, service unit.
type Instance struct {
	ID           string        `json:"id"`
	ServerID     string        `json:"server_id"`
	Slug         string        `json:"slug"`
	Port         int           `json:"port"`
	State        InstanceState `json:"state"`
	ConfigPath   string        `json:"config_path"`
	StateDir     string        `json:"state_dir"`
	ServiceUnit  string        `json:"service_unit"`
	TelegramBot  *string       `json:"telegram_bot,omitempty"`
	DefaultModel *string       `json:"default_model,omitempty"`
	Discovered   bool          `json:"discovered"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

const instanceColumns = "id, server_id, slug, port, state, config_path, state_dir, service_unit, telegram_bot, default_model, discovered, created_at, updated_at"

// CreateInstance persists a new instance row. Duplicate slugs and duplicate
// (server, port) pairs surface as ErrConflict before any dependent writes.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.State == "" {
		inst.State = StateUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, server_id, slug, port, state, config_path, state_dir, service_unit, telegram_bot, default_model, discovered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, inst.ID, inst.ServerID, inst.Slug, inst.Port, string(inst.State), inst.ConfigPath, inst.StateDir,
		inst.ServiceUnit, inst.TelegramBot, inst.DefaultModel, boolToInt(inst.Discovered))
	return mapConstraint(err, "create instance")
}

// GetInstance returns the instance with the given ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE id = ?;", id)
	return scanInstance(row)
}

// GetInstanceBySlug returns the instance with the given slug.
func (s *Store) GetInstanceBySlug(ctx context.Context, slug string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE slug = ?;", slug)
	return scanInstance(row)
}

// ListInstances returns all instances ordered by slug.
func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+instanceColumns+" FROM instances ORDER BY slug ASC;")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// UpdateInstanceState sets the lifecycle state.
func (s *Store) UpdateInstanceState(ctx context.Context, id string, state InstanceState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(state), id)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateInstanceMeta refreshes the mutable discovery-derived fields.
func (s *Store) UpdateInstanceMeta(ctx context.Context, id string, telegramBot, defaultModel *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET telegram_bot = ?, default_model = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, telegramBot, defaultModel, id)
	if err != nil {
		return fmt.Errorf("update instance meta: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance, its agents (cascading to files), its
// links, and its port reservation in one transaction.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete instance: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Cascades cover agents/files/links; ports keys on (server, port).
	if _, err := tx.ExecContext(ctx, `DELETE FROM ports WHERE server_id = ? AND port = ?;`, inst.ServerID, inst.Port); err != nil {
		return fmt.Errorf("delete instance: release port: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanInstance(row *sql.Row) (*Instance, error) {
	var inst Instance
	var state string
	var discovered int
	err := row.Scan(&inst.ID, &inst.ServerID, &inst.Slug, &inst.Port, &state, &inst.ConfigPath,
		&inst.StateDir, &inst.ServiceUnit, &inst.TelegramBot, &inst.DefaultModel, &discovered,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	inst.State = InstanceState(state)
	inst.Discovered = discovered != 0
	return &inst, nil
}

func scanInstanceRows(rows *sql.Rows) (*Instance, error) {
	var inst Instance
	var state string
	var discovered int
	err := rows.Scan(&inst.ID, &inst.ServerID, &inst.Slug, &inst.Port, &state, &inst.ConfigPath,
		&inst.StateDir, &inst.ServiceUnit, &inst.TelegramBot, &inst.DefaultModel, &discovered,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.State = InstanceState(state)
	inst.Discovered = discovered != 0
	return &inst, nil
}
