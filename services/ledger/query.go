package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"github.com/upb/llm-audit-ledger/services"
)

const (
	// DefaultPageSize is used when a listing asks for no limit
	DefaultPageSize = 50
	// MaxPageSize caps event listings
	MaxPageSize = 500
)

// State is the block builder state of a tenant
type State string

const (
	StateIdle         State = "IDLE"
	StateAccumulating State = "ACCUMULATING"
	StateSealing      State = "SEALING"
)

// TenantStats describes a tenant's ledger as seen by this instance
type TenantStats struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	State          State     `json:"state"`
	Clock          int64     `json:"lamport_clock"`
	SealedLamport  int64     `json:"sealed_lamport"`
	PendingSeals   int64     `json:"pending_seals"`
	UnsealedEvents int64     `json:"unsealed_events"`
	BlockThreshold int       `json:"block_threshold"`
	EventsStored   int64     `json:"events_stored"`
}

// GetBlock retrieves one of the tenant's blocks by hash
func (l *Ledger) GetBlock(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Block, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}
	if !models.IsValidHash(hash) {
		return nil, services.ErrInvalidBlockHash
	}

	block, err := l.blocks.GetByHash(ctx, tenantID, hash)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrBlockNotFound
	}
	if err != nil {
		return nil, services.WrapInternal("get block", err)
	}
	return block, nil
}

// ListBlocks returns the tenant's chain, oldest first
func (l *Ledger) ListBlocks(ctx context.Context, tenantID uuid.UUID) ([]*models.Block, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}

	blocks, err := l.blocks.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("list blocks", err)
	}
	if blocks == nil {
		blocks = []*models.Block{}
	}
	return blocks, nil
}

// GetEvent retrieves one of the tenant's events
func (l *Ledger) GetEvent(ctx context.Context, tenantID, eventID uuid.UUID) (*models.AuditEvent, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}

	event, err := l.events.GetByID(ctx, eventID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrEventNotFound
	}
	if err != nil {
		return nil, services.WrapInternal("get event", err)
	}
	// Never reveal another tenant's event
	if event.TenantID != tenantID {
		return nil, services.ErrEventNotFound
	}
	return event, nil
}

// ListEvents returns a page of the tenant's events, newest first
func (l *Ledger) ListEvents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	events, err := l.events.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("list events", err)
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	return events, nil
}

// Stats reports the tenant's builder state and watermarks
func (l *Ledger) Stats(ctx context.Context, tenantID uuid.UUID) (*TenantStats, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}

	t, err := l.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if !t.ready {
		if err := l.warmUp(ctx, t); err != nil {
			t.mu.Unlock()
			return nil, services.WrapUnavailable("load tenant state", err)
		}
	}
	t.mu.Unlock()

	count, err := l.events.CountByTenant(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("count events", err)
	}

	stats := &TenantStats{
		TenantID:       tenantID,
		State:          t.state(),
		Clock:          l.clock.Current(tenantID),
		SealedLamport:  t.sealed.Load(),
		PendingSeals:   t.pending.Load(),
		UnsealedEvents: t.accumulated.Load(),
		BlockThreshold: l.config.BlockThreshold,
		EventsStored:   count,
	}
	return stats, nil
}

func (t *tenantLedger) state() State {
	switch {
	case t.pending.Load() > 0:
		return StateSealing
	case t.accumulated.Load() > 0:
		return StateAccumulating
	default:
		return StateIdle
	}
}
