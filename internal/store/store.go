// Package store persists megobari's durable state in a single embedded
// SQLite database: conversation messages and summaries, memories, personas,
// usage records, scheduler jobs, the monitor tree and dashboard tokens.
//
// Schema changes ship as embedded sequential migrations applied on open.
// Databases created before the migration framework existed are stamped once
// at the current head so they are never re-migrated from scratch.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the newest migration number under migrations/.
// Bump it whenever a migration pair is added.
const SchemaVersion = 3

// Store wraps the SQLite handle. All methods are safe for concurrent use;
// database/sql serializes access and busy_timeout covers writer contention.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and brings the schema
// to head. Pass ":memory:" for an ephemeral database, used by tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inMemory := path == ":memory:"
	var dsn string
	if inMemory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// Every new connection would get its own empty memory database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies pending migrations. A database that predates the migration
// framework (has application tables but no schema_migrations) is stamped at
// head instead, exactly once.
func (s *Store) migrate() error {
	legacy, err := s.isLegacyDatabase()
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "megobari", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if legacy {
		s.logger.Info("stamping pre-migration database at current schema head", "version", SchemaVersion)
		if err := m.Force(SchemaVersion); err != nil {
			return fmt.Errorf("stamp legacy database: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source. Closing the migrator would also close the
	// database driver and with it the shared *sql.DB.
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// isLegacyDatabase reports whether the database holds application tables
// created before migration tracking existed.
func (s *Store) isLegacyDatabase() (bool, error) {
	hasMessages, err := s.tableExists("messages")
	if err != nil {
		return false, err
	}
	if !hasMessages {
		return false, nil
	}
	hasVersions, err := s.tableExists("schema_migrations")
	if err != nil {
		return false, err
	}
	return !hasVersions, nil
}

func (s *Store) tableExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return n > 0, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- shared scan/marshal helpers ---

// nullStr maps "" to NULL on the way into the database.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullTime maps the zero time to NULL on the way into the database.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// jsonText marshals v to a JSON string for a TEXT column; nil slices and
// maps become empty-collection literals so columns stay parseable.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// stringList decodes a JSON array column, tolerating NULL and garbage.
func stringList(raw sql.NullString) []string {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}
