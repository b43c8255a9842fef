package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentFile is a cached copy of one workspace file for one agent.
// content_hash is always sha256(content); every writer recomputes it.
type AgentFile struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Filename    string    `json:"filename"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HashContent returns the canonical content hash for a workspace file.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

const agentFileColumns = "id, agent_id, filename, content, content_hash, size_bytes, updated_at"

// UpsertAgentFile writes the cached content for (agent, filename), computing
// the hash and size from the content itself.
func (s *Store) UpsertAgentFile(ctx context.Context, agentID, filename, content string) (*AgentFile, error) {
	hash := HashContent(content)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_files (id, agent_id, filename, content, content_hash, size_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id, filename) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			updated_at = CURRENT_TIMESTAMP;
	`, uuid.NewString(), agentID, filename, content, hash, int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("upsert agent file: %w", err)
	}
	return s.GetAgentFile(ctx, agentID, filename)
}

// GetAgentFile returns one cached file row.
func (s *Store) GetAgentFile(ctx context.Context, agentID, filename string) (*AgentFile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentFileColumns+" FROM agent_files WHERE agent_id = ? AND filename = ?;",
		agentID, filename)
	var f AgentFile
	err := row.Scan(&f.ID, &f.AgentID, &f.Filename, &f.Content, &f.ContentHash, &f.SizeBytes, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent file %q: %w", filename, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent file: %w", err)
	}
	return &f, nil
}

// ListAgentFiles returns all cached files for an agent, ordered by filename.
func (s *Store) ListAgentFiles(ctx context.Context, agentID string) ([]AgentFile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentFileColumns+" FROM agent_files WHERE agent_id = ? ORDER BY filename ASC;", agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent files: %w", err)
	}
	defer rows.Close()
	var out []AgentFile
	for rows.Next() {
		var f AgentFile
		if err := rows.Scan(&f.ID, &f.AgentID, &f.Filename, &f.Content, &f.ContentHash, &f.SizeBytes, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteAgentFile removes one cached file row. Deleting an absent row is a no-op.
func (s *Store) DeleteAgentFile(ctx context.Context, agentID, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_files WHERE agent_id = ? AND filename = ?;`, agentID, filename)
	if err != nil {
		return fmt.Errorf("delete agent file: %w", err)
	}
	return nil
}
