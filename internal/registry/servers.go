package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Server is one managed host. v1 runs with exactly one local server row.
type Server struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname"`
	IP         string    `json:"ip"`
	HomeDir    string    `json:"home_dir"`
	BinPath    string    `json:"bin_path"`
	BinVersion string    `json:"bin_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const serverColumns = "id, hostname, ip, home_dir, bin_path, bin_version, created_at, updated_at"

// CreateServer persists a new server row. A generated ID is filled in when empty.
func (s *Store) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, hostname, ip, home_dir, bin_path, bin_version)
		VALUES (?, ?, ?, ?, ?, ?);
	`, srv.ID, srv.Hostname, srv.IP, srv.HomeDir, srv.BinPath, srv.BinVersion)
	return mapConstraint(err, "create server")
}

// GetServer returns the server row with the given ID.
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = ?;", id)
	return scanServer(row)
}

// ListServers returns all server rows.
func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY created_at ASC;")
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var out []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Hostname, &srv.IP, &srv.HomeDir, &srv.BinPath, &srv.BinVersion,
			&srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// EnsureLocalServer returns the single local server row, creating it on first use.
func (s *Store) EnsureLocalServer(ctx context.Context, hostname, homeDir string) (*Server, error) {
	servers, err := s.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		return &servers[0], nil
	}
	srv := &Server{Hostname: hostname, HomeDir: homeDir}
	if err := s.CreateServer(ctx, srv); err != nil {
		return nil, err
	}
	return s.GetServer(ctx, srv.ID)
}

// UpdateServerBinary records the detected gateway binary path and version.
func (s *Store) UpdateServerBinary(ctx context.Context, id, binPath, binVersion string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET bin_path = ?, bin_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, binPath, binVersion, id)
	if err != nil {
		return fmt.Errorf("update server binary: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanServer(row *sql.Row) (*Server, error) {
	var srv Server
	err := row.Scan(&srv.ID, &srv.Hostname, &srv.IP, &srv.HomeDir, &srv.BinPath, &srv.BinVersion,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &srv, nil
}
