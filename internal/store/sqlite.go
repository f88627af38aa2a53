package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local replica: the documents table,
// the outbox, and sync metadata.
type SQLiteStore struct {
	db *sql.DB
}

// compile-time conformance check
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DatabasePath builds the per-app, per-user database location under
// root, so concurrent users or applications on one device never share
// local state.
func DatabasePath(root, app, user string) string {
	return filepath.Join(root, sanitizeSegment(app), sanitizeSegment(user)+".db")
}

// sanitizeSegment keeps path segments filesystem-safe.
func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalScalars encodes scalar fields as JSON text for storage.
func marshalScalars(scalars map[string]any) (string, error) {
	if len(scalars) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(scalars)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalScalars decodes stored JSON text back into scalar fields.
// A decode failure means the row was written outside the store's
// sequencing and is treated as corruption.
func unmarshalScalars(text string) (map[string]any, error) {
	if text == "" {
		return map[string]any{}, nil
	}
	var scalars map[string]any
	if err := json.Unmarshal([]byte(text), &scalars); err != nil {
		return nil, fmt.Errorf("%w: decode fields: %v", ErrCorrupt, err)
	}
	return scalars, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// querier abstracts *sql.DB and *sql.Tx for helpers used inside and
// outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
