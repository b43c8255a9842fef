package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is one named role under an instance or blueprint parent.
//
// Enrichment fields (Role, Tags, Notes, PositionX/Y) are UI-owned: sync and
// import writes must never touch them on existing rows.
type Agent struct {
	ID            string     `json:"id"`
	Parent        ParentRef  `json:"-"`
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Model         string     `json:"model"`
	WorkspacePath string     `json:"workspace_path"`
	IsDefault     bool       `json:"is_default"`
	Role          *string    `json:"role,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
	PositionX     *float64   `json:"position_x,omitempty"`
	PositionY     *float64   `json:"position_y,omitempty"`
	ConfigHash    string     `json:"config_hash"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const agentColumns = "id, instance_id, blueprint_id, agent_id, name, model, workspace_path, is_default, role, tags, notes, position_x, position_y, config_hash, synced_at, created_at, updated_at"

// CreateAgent persists a new agent row under its parent scope.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if !a.Parent.valid() {
		return fmt.Errorf("create agent %q: %w", a.AgentID, ErrInvalidParent)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	instanceID, blueprintID := a.Parent.columns()
	tags, err := marshalTags(a.Tags)
	if err != nil {
		return fmt.Errorf("create agent %q: %w", a.AgentID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, instance_id, blueprint_id, agent_id, name, model, workspace_path, is_default,
			role, tags, notes, position_x, position_y, config_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, instanceID, blueprintID, a.AgentID, a.Name, a.Model, a.WorkspacePath, boolToInt(a.IsDefault),
		a.Role, tags, a.Notes, a.PositionX, a.PositionY, a.ConfigHash, a.SyncedAt)
	return mapConstraint(err, "create agent")
}

// GetAgent looks up an agent by its parent scope and declared agent id.
func (s *Store) GetAgent(ctx context.Context, parent ParentRef, agentID string) (*Agent, error) {
	if !parent.valid() {
		return nil, ErrInvalidParent
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE "+parentWhere(parent)+" AND agent_id = ?;",
		parent.ID, agentID)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents in the parent scope, default agent first.
func (s *Store) ListAgents(ctx context.Context, parent ParentRef) ([]Agent, error) {
	if !parent.valid() {
		return nil, ErrInvalidParent
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE "+parentWhere(parent)+" ORDER BY is_default DESC, agent_id ASC;",
		parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentSynced refreshes the sync-owned fields of an existing row.
// Enrichment columns are deliberately absent from the statement.
func (s *Store) UpdateAgentSynced(ctx context.Context, id, name, model, workspacePath string, isDefault bool, configHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, model = ?, workspace_path = ?, is_default = ?,
			config_hash = ?, synced_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, name, model, workspacePath, boolToInt(isDefault), configHash, id)
	if err != nil {
		return mapConstraint(err, "update agent")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAgentSync refreshes only config_hash and synced_at.
func (s *Store) TouchAgentSync(ctx context.Context, id, configHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET config_hash = ?, synced_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, configHash, id)
	if err != nil {
		return fmt.Errorf("touch agent sync: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateAgentEnrichment sets the UI-owned fields. Sync never calls this.
func (s *Store) UpdateAgentEnrichment(ctx context.Context, id string, role *string, tags []string, notes *string, posX, posY *float64) error {
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return fmt.Errorf("update agent enrichment: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET role = ?, tags = ?, notes = ?, position_x = ?, position_y = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, role, tagsJSON, notes, posX, posY, id)
	if err != nil {
		return fmt.Errorf("update agent enrichment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAgent removes an agent row; its cached files go with it via cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return nil
}

func parentWhere(parent ParentRef) string {
	if parent.Kind == ParentBlueprint {
		return "blueprint_id = ?"
	}
	return "instance_id = ?"
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanAgent(scan func(...any) error) (*Agent, error) {
	var a Agent
	var instanceID, blueprintID, tags sql.NullString
	var isDefault int
	err := scan(&a.ID, &instanceID, &blueprintID, &a.AgentID, &a.Name, &a.Model, &a.WorkspacePath,
		&isDefault, &a.Role, &tags, &a.Notes, &a.PositionX, &a.PositionY, &a.ConfigHash, &a.SyncedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.IsDefault = isDefault != 0
	switch {
	case instanceID.Valid:
		a.Parent = InstanceParent(instanceID.String)
	case blueprintID.Valid:
		a.Parent = BlueprintParent(blueprintID.String)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &a.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &a, nil
}
