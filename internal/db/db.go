// Package db provides SQLite persistence for changegate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/changegate/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Config configures the database connection.
type Config struct {
	// Path is the SQLite file path. Empty or ":memory:" opens an in-memory DB.
	Path string

	// MaxConnections bounds the connection pool.
	MaxConnections int

	// BusyTimeoutMs is the SQLite busy_timeout pragma.
	BusyTimeoutMs int
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:           "changegate.db",
		MaxConnections: 4,
		BusyTimeoutMs:  5000,
	}
}

// DB wraps a *sql.DB.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
	retry  RetryPolicy
}

// querier is satisfied by *DB and *sql.Tx so repositories run inside or
// outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" || cfg.Path == ":memory:" {
		return OpenInMemory()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path, busy)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: sqlDB, path: cfg.Path, logger: logging.Component("db"), retry: DefaultRetryPolicy()}, nil
}

// OpenInMemory opens a private in-memory database. Every connection to
// ":memory:" is a separate database, so the pool is pinned to one.
func OpenInMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to in-memory database: %w", err)
	}
	return &DB{DB: sqlDB, path: ":memory:", logger: logging.Component("db"), retry: DefaultRetryPolicy()}, nil
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.path
}

// Transaction runs fn in a transaction, committing when fn returns nil.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

// MigrateUp applies pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, formatTime(time.Now()))
			return err
		})
		if err != nil {
			return applied, err
		}
		db.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("applied migration")
		applied++
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid migration name %q: %w", name, err)
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: name, sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	parsed, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
