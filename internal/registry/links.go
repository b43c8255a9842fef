package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LinkType distinguishes the two relationship kinds between agents.
type LinkType string

const (
	// LinkA2A is the symmetric "may communicate with" relation. Rows are stored
	// canonically with the lexicographically smaller agent id as source.
	LinkA2A LinkType = "a2a"
	// LinkSpawn is the directed "may delegate a sub-task to" relation.
	LinkSpawn LinkType = "spawn"
)

// Link is one relationship row within a parent scope.
type Link struct {
	ID     string    `json:"id"`
	Parent ParentRef `json:"-"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	Type   LinkType  `json:"type"`
}

// ListLinks returns the parent's full link set.
func (s *Store) ListLinks(ctx context.Context, parent ParentRef) ([]Link, error) {
	if !parent.valid() {
		return nil, ErrInvalidParent
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, instance_id, blueprint_id, source, target, link_type FROM agent_links WHERE "+
			parentWhere(parent)+" ORDER BY link_type ASC, source ASC, target ASC;",
		parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var l Link
		var instanceID, blueprintID sql.NullString
		var linkType string
		if err := rows.Scan(&l.ID, &instanceID, &blueprintID, &l.Source, &l.Target, &linkType); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Type = LinkType(linkType)
		switch {
		case instanceID.Valid:
			l.Parent = InstanceParent(instanceID.String)
		case blueprintID.Valid:
			l.Parent = BlueprintParent(blueprintID.String)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceLinks atomically swaps the parent's entire link set. Link endpoints
// are validated against the parent's agents inside the same transaction; a
// concurrent reader never observes a partial set.
func (s *Store) ReplaceLinks(ctx context.Context, parent ParentRef, links []Link) error {
	if !parent.valid() {
		return ErrInvalidParent
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("replace links: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := replaceLinksTx(ctx, tx, parent, links); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// replaceLinksTx implements the swap inside an existing transaction so the
// team import can compose it with agent replacement.
func replaceLinksTx(ctx context.Context, tx *sql.Tx, parent ParentRef, links []Link) error {
	known, err := agentIDSetTx(ctx, tx, parent)
	if err != nil {
		return err
	}
	for _, l := range links {
		if !known[l.Source] {
			return fmt.Errorf("replace links: source %q: %w", l.Source, ErrNotFound)
		}
		if !known[l.Target] {
			return fmt.Errorf("replace links: target %q: %w", l.Target, ErrNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_links WHERE "+parentWhere(parent)+";", parent.ID); err != nil {
		return fmt.Errorf("replace links: clear: %w", err)
	}

	instanceID, blueprintID := parent.columns()
	for _, l := range links {
		id := l.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_links (id, instance_id, blueprint_id, source, target, link_type)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, instanceID, blueprintID, l.Source, l.Target, string(l.Type)); err != nil {
			return mapConstraint(err, "replace links: insert")
		}
	}
	return nil
}

func agentIDSetTx(ctx context.Context, tx *sql.Tx, parent ParentRef) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT agent_id FROM agents WHERE "+parentWhere(parent)+";", parent.ID)
	if err != nil {
		return nil, fmt.Errorf("replace links: list agents: %w", err)
	}
	defer rows.Close()
	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("replace links: scan agent id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}
