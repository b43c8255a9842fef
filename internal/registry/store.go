// Package registry is the relational store behind the fleet manager: servers,
// instances, agents, agent files, agent links, port reservations, blueprints,
// and the event log. SQLite, single writer.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: core fleet schema (servers, instances, agents, files, links, ports, events, settings).
	schemaVersionV1  = 1
	schemaChecksumV1 = "ch-v1-2026-06-30-fleet-core"

	// v2: blueprint templates (blueprints table, blueprint parent columns).
	schemaVersionV2  = 2
	schemaChecksumV2 = "ch-v2-2026-07-21-blueprints"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness or reservation invariant.
	ErrConflict = errors.New("conflict")
	// ErrInvalidParent is returned when an agent or link parent reference is malformed.
	ErrInvalidParent = errors.New("invalid parent reference")
)

// ParentKind tags which table owns an agent or link set.
type ParentKind string

const (
	ParentInstance  ParentKind = "instance"
	ParentBlueprint ParentKind = "blueprint"
)

// ParentRef identifies the owning instance or blueprint. Engine logic branches
// on Kind, never on nullable-column checks.
type ParentRef struct {
	Kind ParentKind
	ID   string
}

// InstanceParent returns a ParentRef for an instance row.
func InstanceParent(id string) ParentRef { return ParentRef{Kind: ParentInstance, ID: id} }

// BlueprintParent returns a ParentRef for a blueprint row.
func BlueprintParent(id string) ParentRef { return ParentRef{Kind: ParentBlueprint, ID: id} }

func (p ParentRef) valid() bool {
	return p.ID != "" && (p.Kind == ParentInstance || p.Kind == ParentBlueprint)
}

// columns maps the ref onto the two nullable FK columns.
func (p ParentRef) columns() (instanceID, blueprintID sql.NullString) {
	switch p.Kind {
	case ParentInstance:
		instanceID = sql.NullString{String: p.ID, Valid: true}
	case ParentBlueprint:
		blueprintID = sql.NullString{String: p.ID, Valid: true}
	}
	return
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at path and brings
// the schema up to the supported version.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion < schemaVersionV1 {
		if err := migrateV1(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV2 {
		if err := migrateV2(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	const ddl = `
	CREATE TABLE servers (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		home_dir TEXT NOT NULL,
		bin_path TEXT NOT NULL DEFAULT '',
		bin_version TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE instances (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id),
		slug TEXT NOT NULL UNIQUE,
		port INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'unknown',
		config_path TEXT NOT NULL,
		state_dir TEXT NOT NULL,
		service_unit TEXT NOT NULL DEFAULT '',
		telegram_bot TEXT,
		default_model TEXT,
		discovered INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (server_id, port)
	);

	CREATE TABLE agents (
		id TEXT PRIMARY KEY,
		instance_id TEXT REFERENCES instances(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		role TEXT,
		tags TEXT,
		notes TEXT,
		position_x REAL,
		position_y REAL,
		config_hash TEXT NOT NULL DEFAULT '',
		synced_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX agents_instance_agent ON agents(instance_id, agent_id) WHERE instance_id IS NOT NULL;
	CREATE UNIQUE INDEX agents_instance_default ON agents(instance_id) WHERE instance_id IS NOT NULL AND is_default = 1;

	CREATE TABLE agent_files (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (agent_id, filename)
	);

	CREATE TABLE agent_links (
		id TEXT PRIMARY KEY,
		instance_id TEXT REFERENCES instances(id) ON DELETE CASCADE,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		link_type TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX links_instance_edge ON agent_links(instance_id, source, target, link_type) WHERE instance_id IS NOT NULL;

	CREATE TABLE ports (
		server_id TEXT NOT NULL REFERENCES servers(id),
		port INTEGER NOT NULL,
		instance_slug TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (server_id, port)
	);

	CREATE TABLE events (
		id TEXT PRIMARY KEY,
		instance_slug TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX events_slug_time ON events(instance_slug, created_at);

	CREATE TABLE settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema v1: %w", err)
	}
	return nil
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	const ddl = `
	CREATE TABLE blueprints (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	ALTER TABLE agents ADD COLUMN blueprint_id TEXT REFERENCES blueprints(id) ON DELETE CASCADE;
	CREATE UNIQUE INDEX agents_blueprint_agent ON agents(blueprint_id, agent_id) WHERE blueprint_id IS NOT NULL;
	CREATE UNIQUE INDEX agents_blueprint_default ON agents(blueprint_id) WHERE blueprint_id IS NOT NULL AND is_default = 1;

	ALTER TABLE agent_links ADD COLUMN blueprint_id TEXT REFERENCES blueprints(id) ON DELETE CASCADE;
	CREATE UNIQUE INDEX links_blueprint_edge ON agent_links(blueprint_id, source, target, link_type) WHERE blueprint_id IS NOT NULL;
	`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema v2: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionV2, schemaChecksumV2); err != nil {
		return fmt.Errorf("record schema v2: %w", err)
	}
	return nil
}

// mapConstraint rewrites sqlite uniqueness violations into ErrConflict so
// callers can distinguish invariant conflicts from I/O failures.
func mapConstraint(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// GetSetting reads a registry-level config value. Missing keys return ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a registry-level config value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
