// Package handlers holds the thin HTTP layer over the ledger: request
// decoding and validation, URL parameters and error mapping.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/services/ledger"
	"github.com/upb/llm-audit-ledger/utils"
)

// LedgerService is the ledger surface the HTTP layer depends on
type LedgerService interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (*models.Receipt, error)
	GetEvent(ctx context.Context, tenantID, eventID uuid.UUID) (*models.AuditEvent, error)
	ListEvents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)
	GetBlock(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Block, error)
	ListBlocks(ctx context.Context, tenantID uuid.UUID) ([]*models.Block, error)
	VerifyChain(ctx context.Context, tenantID uuid.UUID) (*ledger.ChainReport, error)
	Stats(ctx context.Context, tenantID uuid.UUID) (*ledger.TenantStats, error)
}

var _ LedgerService = (*ledger.Ledger)(nil)

// uuidParam parses a chi URL parameter as a UUID
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	return utils.ParseUUID(chi.URLParam(r, name), name)
}
