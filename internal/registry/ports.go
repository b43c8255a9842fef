package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Port is a reservation of one TCP port on one server for one instance slug.
type Port struct {
	ServerID     string    `json:"server_id"`
	Port         int       `json:"port"`
	InstanceSlug string    `json:"instance_slug"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReservePort claims (server, port) for the given slug. A port already held by
// another slug is ErrConflict; re-reserving for the same slug is a no-op.
func (s *Store) ReservePort(ctx context.Context, serverID string, port int, slug string) error {
	existing, err := s.PortOwner(ctx, serverID, port)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		if existing == slug {
			return nil
		}
		return fmt.Errorf("port %d held by %q: %w", port, existing, ErrConflict)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ports (server_id, port, instance_slug) VALUES (?, ?, ?);
	`, serverID, port, slug)
	return mapConstraint(err, "reserve port")
}

// ReleasePort drops a reservation. Releasing an absent reservation is a no-op.
func (s *Store) ReleasePort(ctx context.Context, serverID string, port int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ports WHERE server_id = ? AND port = ?;`, serverID, port)
	if err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	return nil
}

// PortOwner returns the slug holding (server, port), or ErrNotFound.
func (s *Store) PortOwner(ctx context.Context, serverID string, port int) (string, error) {
	var slug string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_slug FROM ports WHERE server_id = ? AND port = ?;`, serverID, port).Scan(&slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("port %d: %w", port, ErrNotFound)
		}
		return "", fmt.Errorf("port owner: %w", err)
	}
	return slug, nil
}

// ListPorts returns all reservations for a server, ordered by port.
func (s *Store) ListPorts(ctx context.Context, serverID string) ([]Port, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, port, instance_slug, created_at FROM ports WHERE server_id = ? ORDER BY port ASC;
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()
	var out []Port
	for rows.Next() {
		var p Port
		if err := rows.Scan(&p.ServerID, &p.Port, &p.InstanceSlug, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
