// Package sqlite implements the ledger repositories on an embedded SQLite
// database. It backs single-process deployments, local development and
// integration tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Store wraps a SQLite connection
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating when missing) the database at path and initializes
// the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file::memory:?_pragma=busy_timeout(5000)"
	if path != MemoryPath {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; one connection also keeps an in-memory
	// database shared across callers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("database connection established", zap.String("connection", "driver=sqlite path="+path))
	return s, nil
}

// InitSchema initializes the ledger schema
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			details TEXT,
			metadata TEXT,
			lamport INTEGER NOT NULL,
			hash_pointer TEXT NOT NULL,
			block_hash TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE (tenant_id, lamport)
		);

		CREATE TABLE IF NOT EXISTS blocks (
			hash TEXT PRIMARY KEY,
			previous_hash TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			lamport_clock INTEGER NOT NULL,
			merkle_root TEXT NOT NULL,
			event_ids TEXT NOT NULL,
			metrics TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (tenant_id, previous_hash),
			UNIQUE (tenant_id, lamport_clock)
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_unattached ON audit_events(tenant_id, lamport) WHERE block_hash IS NULL;
		CREATE INDEX IF NOT EXISTS idx_audit_events_block_hash ON audit_events(block_hash);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// NewRepositories creates all repository instances
func (s *Store) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Events: &EventRepository{store: s},
		Blocks: &BlockRepository{store: s},
		TxMgr:  &TransactionManager{store: s},
	}
}

// HealthCheck performs a health check on the database
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for readiness checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close is nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
