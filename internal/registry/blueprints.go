package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Blueprint is a reusable agent/link template with no live process behind it.
// Agent workspace paths under a blueprint are logical URIs, not filesystem paths.
type Blueprint struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const blueprintColumns = "id, slug, name, description, created_at, updated_at"

// CreateBlueprint persists a new blueprint row.
func (s *Store) CreateBlueprint(ctx context.Context, bp *Blueprint) error {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blueprints (id, slug, name, description) VALUES (?, ?, ?, ?);
	`, bp.ID, bp.Slug, bp.Name, bp.Description)
	return mapConstraint(err, "create blueprint")
}

// GetBlueprintBySlug returns the blueprint with the given slug.
func (s *Store) GetBlueprintBySlug(ctx context.Context, slug string) (*Blueprint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+blueprintColumns+" FROM blueprints WHERE slug = ?;", slug)
	var bp Blueprint
	err := row.Scan(&bp.ID, &bp.Slug, &bp.Name, &bp.Description, &bp.CreatedAt, &bp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("blueprint %q: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	return &bp, nil
}

// ListBlueprints returns all blueprints ordered by slug.
func (s *Store) ListBlueprints(ctx context.Context) ([]Blueprint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+blueprintColumns+" FROM blueprints ORDER BY slug ASC;")
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()
	var out []Blueprint
	for rows.Next() {
		var bp Blueprint
		if err := rows.Scan(&bp.ID, &bp.Slug, &bp.Name, &bp.Description, &bp.CreatedAt, &bp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan blueprint: %w", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// DeleteBlueprint removes a blueprint; agents and links cascade.
func (s *Store) DeleteBlueprint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blueprints WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("blueprint %q: %w", id, ErrNotFound)
	}
	return nil
}
