package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one audit row: lifecycle transitions, discovery adoptions, imports.
type Event struct {
	ID           string    `json:"id"`
	InstanceSlug string    `json:"instance_slug"`
	Type         string    `json:"event_type"`
	Message      string    `json:"message"`
	Payload      string    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendEvent writes one event row.
func (s *Store) AppendEvent(ctx context.Context, slug, eventType, message, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, instance_slug, event_type, message, payload) VALUES (?, ?, ?, ?, ?);
	`, uuid.NewString(), slug, eventType, message, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events for a slug, empty slug meaning all.
func (s *Store) ListEvents(ctx context.Context, slug string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, instance_slug, event_type, message, payload, created_at FROM events`
	args := []any{}
	if slug != "" {
		query += ` WHERE instance_slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.InstanceSlug, &e.Type, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
