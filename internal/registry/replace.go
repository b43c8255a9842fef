package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TeamAgentRow pairs an agent row with its workspace file contents for bulk
// replacement. Files map filename to content; hashes are computed on insert.
type TeamAgentRow struct {
	Agent Agent
	Files map[string]string
}

// ReplaceParentTeam atomically swaps the parent's entire agent roster: all
// current agents (cascading to their files) and links are deleted, then the
// given agents, files, and links are inserted — one transaction, no partial
// roster ever visible.
func (s *Store) ReplaceParentTeam(ctx context.Context, parent ParentRef, agents []TeamAgentRow, links []Link) error {
	if !parent.valid() {
		return ErrInvalidParent
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("replace team: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM agent_links WHERE "+parentWhere(parent)+";", parent.ID); err != nil {
			return fmt.Errorf("replace team: clear links: %w", err)
		}
		// Agent deletion cascades to agent_files.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM agents WHERE "+parentWhere(parent)+";", parent.ID); err != nil {
			return fmt.Errorf("replace team: clear agents: %w", err)
		}

		instanceID, blueprintID := parent.columns()
		for i := range agents {
			a := &agents[i].Agent
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			tags, err := marshalTags(a.Tags)
			if err != nil {
				return fmt.Errorf("replace team: agent %q: %w", a.AgentID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, instance_id, blueprint_id, agent_id, name, model, workspace_path, is_default,
					role, tags, notes, position_x, position_y, config_hash, synced_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, a.ID, instanceID, blueprintID, a.AgentID, a.Name, a.Model, a.WorkspacePath, boolToInt(a.IsDefault),
				a.Role, tags, a.Notes, a.PositionX, a.PositionY, a.ConfigHash, a.SyncedAt); err != nil {
				return mapConstraint(err, "replace team: insert agent")
			}
			for filename, content := range agents[i].Files {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO agent_files (id, agent_id, filename, content, content_hash, size_bytes)
					VALUES (?, ?, ?, ?, ?, ?);
				`, uuid.NewString(), a.ID, filename, content, HashContent(content), int64(len(content))); err != nil {
					return mapConstraint(err, "replace team: insert file")
				}
			}
		}

		if err := replaceLinksTx(ctx, tx, parent, links); err != nil {
			return err
		}
		return tx.Commit()
	})
}
