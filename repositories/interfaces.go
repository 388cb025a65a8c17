package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	ErrDuplicate = errors.New("record already exists")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// InSnapshot executes a read-only function against a consistent view of
	// the database
	InSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// EventRepository is the append-only event store
type EventRepository interface {
	// Append inserts a stamped event. Returns ErrDuplicate when the id or the
	// (tenant, lamport) pair already exists.
	Append(ctx context.Context, event *models.AuditEvent) error

	// GetByID retrieves an event by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)

	// ListUnattached returns up to limit events of the tenant with lamport
	// greater than afterLamport and no block, oldest lamport first
	ListUnattached(ctx context.Context, tenantID uuid.UUID, afterLamport int64, limit int) ([]*models.AuditEvent, error)

	// ListDangling returns unattached events with lamport at or below
	// upToLamport, oldest lamport first
	ListDangling(ctx context.Context, tenantID uuid.UUID, upToLamport int64, limit int) ([]*models.AuditEvent, error)

	// MarkAttached sets the block hash on every listed event that has none.
	// Events already attached are left untouched.
	MarkAttached(ctx context.Context, ids []uuid.UUID, blockHash string) error

	// ListByTenant retrieves a page of the tenant's events, newest first
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)

	// ListByIDs retrieves the listed events, oldest lamport first
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AuditEvent, error)

	// Latest retrieves the tenant's highest-lamport event
	Latest(ctx context.Context, tenantID uuid.UUID) (*models.AuditEvent, error)

	// CountByTenant returns the number of events stored for the tenant
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// BlockRepository stores sealed blocks
type BlockRepository interface {
	// Create inserts a sealed block. Returns ErrDuplicate when the tenant
	// already has a block linked to the same previous hash.
	Create(ctx context.Context, block *models.Block) error

	// GetByHash retrieves a tenant's block by hash
	GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Block, error)

	// Latest retrieves the tenant's most recent block
	Latest(ctx context.Context, tenantID uuid.UUID) (*models.Block, error)

	// ListByTenant retrieves the tenant's chain, oldest first
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Block, error)

	// ListSince retrieves blocks whose lamport clock is at least minLamport,
	// oldest first
	ListSince(ctx context.Context, tenantID uuid.UUID, minLamport int64) ([]*models.Block, error)
}

// Store is an opened storage backend
type Store interface {
	// NewRepositories creates all repository instances
	NewRepositories() *Repositories

	// InitSchema creates the ledger tables when missing
	InitSchema(ctx context.Context) error

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connections
	Close() error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Events EventRepository
	Blocks BlockRepository
	TxMgr  TransactionManager
}
