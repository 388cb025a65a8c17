package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
)

const eventColumns = `id, tenant_id, actor_id, action, category, status, details, metadata,
		lamport, hash_pointer, block_hash, created_at`

// EventRepository implements the repositories.EventRepository interface
type EventRepository struct {
	store *Store
}

// Append inserts a stamped event
func (r *EventRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	query := `INSERT INTO audit_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.store.exec(ctx).ExecContext(ctx, query,
		event.ID.String(),
		event.TenantID.String(),
		nullUUID(event.ActorID),
		event.Action,
		event.Category,
		event.Status,
		nullText(event.Details),
		nullText(event.Metadata),
		event.Lamport,
		event.HashPointer,
		event.BlockHash,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("event %s (lamport %d): %w", event.ID, event.Lamport, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// GetByID retrieves an event by ID
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id = ?`

	event, err := scanEvent(r.store.exec(ctx).QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit event %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// ListUnattached returns the tenant's unsealed events past the watermark
func (r *EventRepository) ListUnattached(ctx context.Context, tenantID uuid.UUID, afterLamport int64, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events
		WHERE tenant_id = ? AND lamport > ? AND block_hash IS NULL
		ORDER BY lamport ASC LIMIT ?`
	return r.queryEvents(ctx, query, tenantID.String(), afterLamport, limit)
}

// ListDangling returns unattached events at or below the watermark
func (r *EventRepository) ListDangling(ctx context.Context, tenantID uuid.UUID, upToLamport int64, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events
		WHERE tenant_id = ? AND lamport <= ? AND block_hash IS NULL
		ORDER BY lamport ASC LIMIT ?`
	return r.queryEvents(ctx, query, tenantID.String(), upToLamport, limit)
}

// MarkAttached sets the block hash on unattached events
func (r *EventRepository) MarkAttached(ctx context.Context, ids []uuid.UUID, blockHash string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders, args := inClause(ids)
	query := `UPDATE audit_events SET block_hash = ? WHERE block_hash IS NULL AND id IN (` + placeholders + `)`

	if _, err := r.store.exec(ctx).ExecContext(ctx, query, append([]interface{}{blockHash}, args...)...); err != nil {
		return fmt.Errorf("failed to mark events attached: %w", err)
	}
	return nil
}

// ListByTenant retrieves a page of the tenant's events, newest first
func (r *EventRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events
		WHERE tenant_id = ?
		ORDER BY lamport DESC LIMIT ? OFFSET ?`
	return r.queryEvents(ctx, query, tenantID.String(), limit, offset)
}

// ListByIDs retrieves the listed events, oldest lamport first
func (r *EventRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AuditEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(ids)
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE id IN (` + placeholders + `) ORDER BY lamport ASC`
	return r.queryEvents(ctx, query, args...)
}

// Latest retrieves the tenant's highest-lamport event
func (r *EventRepository) Latest(ctx context.Context, tenantID uuid.UUID) (*models.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE tenant_id = ? ORDER BY lamport DESC LIMIT 1`

	event, err := scanEvent(r.store.exec(ctx).QueryRowContext(ctx, query, tenantID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("latest event for tenant %s: %w", tenantID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest audit event: %w", err)
	}
	return event, nil
}

// CountByTenant returns the number of events stored for the tenant
func (r *EventRepository) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var count int64
	err := r.store.exec(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE tenant_id = ?`, tenantID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEvent, error) {
	rows, err := r.store.exec(ctx).QueryContext(ctx, query, args...)
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
	var (
		event              models.AuditEvent
		id, tenantID       string
		actorID, blockHash sql.NullString
		details, metadata  sql.NullString
		createdAt          int64
	)
	err := row.Scan(&id, &tenantID, &actorID, &event.Action, &event.Category, &event.Status,
		&details, &metadata, &event.Lamport, &event.HashPointer, &blockHash, &createdAt)
	if err != nil {
		return nil, err
	}

	if event.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	if event.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	if actorID.Valid {
		actor, err := uuid.Parse(actorID.String)
		if err != nil {
			return nil, fmt.Errorf("parse actor id: %w", err)
		}
		event.ActorID = &actor
	}
	if details.Valid {
		event.Details = []byte(details.String)
	}
	if metadata.Valid {
		event.Metadata = []byte(metadata.String)
	}
	if blockHash.Valid {
		event.BlockHash = &blockHash.String
	}
	event.CreatedAt = fromMillis(createdAt)
	return &event, nil
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullText(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func inClause(ids []uuid.UUID) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
