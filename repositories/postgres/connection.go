package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/llm-audit-ledger/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// InitSchema initializes the ledger schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Append-only audit events
		CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			actor_id UUID,
			action VARCHAR(100) NOT NULL,
			category VARCHAR(100) NOT NULL,
			status VARCHAR(50) NOT NULL,
			details JSONB,
			metadata JSONB,
			lamport BIGINT NOT NULL,
			hash_pointer CHAR(64) NOT NULL,
			block_hash CHAR(64),
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, lamport)
		);

		-- Sealed blocks, one chain per tenant
		CREATE TABLE IF NOT EXISTS blocks (
			hash CHAR(64) PRIMARY KEY,
			previous_hash CHAR(64) NOT NULL,
			tenant_id UUID NOT NULL,
			lamport_clock BIGINT NOT NULL,
			merkle_root CHAR(64) NOT NULL,
			event_ids JSONB NOT NULL,
			metrics JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, previous_hash),
			UNIQUE (tenant_id, lamport_clock)
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_unattached ON audit_events(tenant_id, lamport) WHERE block_hash IS NULL;
		CREATE INDEX IF NOT EXISTS idx_audit_events_block_hash ON audit_events(block_hash);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(tenant_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_blocks_tenant_lamport ON blocks(tenant_id, lamport_clock);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
