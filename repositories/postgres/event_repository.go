package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap"
)

const eventColumns = `id, tenant_id, actor_id, action, category, status, details, metadata,
		       lamport, hash_pointer, block_hash, created_at`

// EventRepository implements the repositories.EventRepository interface
type EventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB, logger *zap.Logger) repositories.EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// Append inserts a stamped event
func (r *EventRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, tenant_id, actor_id, action, category, status, details, metadata,
			lamport, hash_pointer, block_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		event.ActorID,
		event.Action,
		event.Category,
		event.Status,
		nullJSON(event.Details),
		nullJSON(event.Metadata),
		event.Lamport,
		event.HashPointer,
		event.BlockHash,
		event.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s (lamport %d): %w", event.ID, event.Lamport, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("tenant_id", event.TenantID.String()),
		zap.Int64("lamport", event.Lamport))
	return nil
}

// GetByID retrieves an event by ID
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	event, err := scanEvent(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("audit event %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}

	return event, nil
}

// ListUnattached returns the tenant's unsealed events past the watermark
func (r *EventRepository) ListUnattached(ctx context.Context, tenantID uuid.UUID, afterLamport int64, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND lamport > $2 AND block_hash IS NULL
		ORDER BY lamport ASC
		LIMIT $3
	`

	return r.queryEvents(ctx, query, tenantID, afterLamport, limit)
}

// ListDangling returns unattached events at or below the watermark
func (r *EventRepository) ListDangling(ctx context.Context, tenantID uuid.UUID, upToLamport int64, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND lamport <= $2 AND block_hash IS NULL
		ORDER BY lamport ASC
		LIMIT $3
	`

	return r.queryEvents(ctx, query, tenantID, upToLamport, limit)
}

// MarkAttached sets the block hash on unattached events
func (r *EventRepository) MarkAttached(ctx context.Context, ids []uuid.UUID, blockHash string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE audit_events
		SET block_hash = $1
		WHERE id = ANY($2::uuid[]) AND block_hash IS NULL
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, blockHash, pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("failed to mark events attached: %w", err)
	}

	rows, _ := result.RowsAffected()
	r.logger.Debug("audit events attached",
		zap.String("block_hash", blockHash),
		zap.Int("requested", len(ids)),
		zap.Int64("updated", rows))
	return nil
}

// ListByTenant retrieves a page of the tenant's events, newest first
func (r *EventRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY lamport DESC
		LIMIT $2 OFFSET $3
	`

	return r.queryEvents(ctx, query, tenantID, limit, offset)
}

// ListByIDs retrieves the listed events, oldest lamport first
func (r *EventRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AuditEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE id = ANY($1::uuid[])
		ORDER BY lamport ASC
	`

	return r.queryEvents(ctx, query, pq.Array(uuidStrings(ids)))
}

// Latest retrieves the tenant's highest-lamport event
func (r *EventRepository) Latest(ctx context.Context, tenantID uuid.UUID) (*models.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY lamport DESC
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db)
	event, err := scanEvent(executor.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("latest event for tenant %s: %w", tenantID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest audit event: %w", err)
	}

	return event, nil
}

// CountByTenant returns the number of events stored for the tenant
func (r *EventRepository) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM audit_events WHERE tenant_id = $1`

	var count int64
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	return count, nil
}

// queryEvents is a helper method to query multiple events
func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEvent, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var details, metadata []byte
	var blockHash sql.NullString

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&event.ActorID,
		&event.Action,
		&event.Category,
		&event.Status,
		&details,
		&metadata,
		&event.Lamport,
		&event.HashPointer,
		&blockHash,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Details = details
	event.Metadata = metadata
	if blockHash.Valid {
		event.BlockHash = &blockHash.String
	}
	event.CreatedAt = models.NormalizeTime(event.CreatedAt)
	return event, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
