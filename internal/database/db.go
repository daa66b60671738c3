// Package database is the relational store for upload sessions, archive jobs
// and documents. DuckDB is the default engine; SQLite is supported for light
// deployments and tests. Queries stick to the SQL both engines accept.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/virology-dashboard/backend/internal/database/migrations"
)

const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a document's fingerprint is already claimed.
	ErrDuplicate = errors.New("duplicate fingerprint")
)

// DB wraps the sql handle and hands out the per-table stores.
type DB struct {
	conn   *sql.DB
	driver string
	path   string
	log    *slog.Logger
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, driverName, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	var conn *sql.DB
	switch driverName {
	case DriverDuckDB, "":
		driverName = DriverDuckDB
		connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
			pragmas := []string{
				"PRAGMA threads=4",
				"PRAGMA enable_progress_bar=false",
			}
			for _, pragma := range pragmas {
				if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
		}
		conn = sql.OpenDB(connector)
	case DriverSQLite:
		var err error
		conn, err = sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		// a single writer avoids SQLITE_BUSY between the worker and request handlers
		conn.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db := &DB{conn: conn, driver: driverName, path: path, log: logger}
	if err := db.migrate(ctx, migrations.FS); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("database ready", "driver", driverName, "path", path)
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the engine name.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Sessions returns the upload session store.
func (db *DB) Sessions() *SessionStore {
	return &SessionStore{db: db.conn}
}

// Jobs returns the archive job store.
func (db *DB) Jobs() *JobStore {
	return &JobStore{db: db.conn}
}

// Documents returns the document queue store.
func (db *DB) Documents() *DocumentStore {
	return &DocumentStore{db: db.conn}
}

func (db *DB) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing migration %s: %w", name, err)
			}
		}
		if _, err := db.conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, toMillis(time.Now())); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		db.log.Debug("applied migration", "file", name)
	}
	return nil
}

// splitStatements breaks a migration file into executable statements,
// dropping comment-only fragments.
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func encodeSet(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding set column: %w", err)
	}
	return b, nil
}

func decodeInts(b []byte) ([]int, error) {
	out := []int{}
	if len(b) == 0 {
		return out, nil
	}
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding set column: %w", err)
	}
	if out == nil {
		out = []int{}
	}
	return out, nil
}

func decodeStrings(b []byte) ([]string, error) {
	out := []string{}
	if len(b) == 0 {
		return out, nil
	}
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding set column: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
