package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/services/ledger"
	"github.com/upb/llm-audit-ledger/utils"
	"go.uber.org/zap"
)

// SubmitEventRequest is the body of POST /tenants/{tenantID}/events
type SubmitEventRequest struct {
	ActorID  *string         `json:"actor_id,omitempty" validate:"omitempty,uuid"`
	Action   string          `json:"action" validate:"max=128"`
	Category string          `json:"category" validate:"max=64"`
	Status   string          `json:"status,omitempty" validate:"omitempty,oneof=success failure blocked"`
	Details  json.RawMessage `json:"details,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Lamport is the highest timestamp the producer has observed. The bound
	// is ledger.MaxLamport.
	Lamport int64 `json:"lamport,omitempty" validate:"gte=0,lt=9007199254740991"`
}

// EventListResponse is a page of a tenant's event history
type EventListResponse struct {
	Events []*models.AuditEvent `json:"events"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// LedgerHandler serves ingestion and queries for tenant ledgers
type LedgerHandler struct {
	ledger LedgerService
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(svc LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: svc,
		logger: logger,
	}
}

// Routes mounts the tenant-scoped endpoints
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/events", h.HandleSubmit)
		r.Get("/events", h.HandleListEvents)
		r.Get("/events/{eventID}", h.HandleGetEvent)
		r.Get("/blocks", h.HandleListBlocks)
		r.Get("/blocks/{hash}", h.HandleGetBlock)
		r.Get("/verify", h.HandleVerifyChain)
		r.Get("/state", h.HandleStats)
	})
}

// HandleSubmit handles POST /tenants/{tenantID}/events
func (h *LedgerHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req SubmitEventRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	submit := ledger.SubmitRequest{
		TenantID:        tenantID,
		Action:          req.Action,
		Category:        req.Category,
		Status:          req.Status,
		Details:         nullableJSON(req.Details),
		Metadata:        nullableJSON(req.Metadata),
		ObservedLamport: req.Lamport,
	}
	if req.ActorID != nil {
		actor := uuid.MustParse(*req.ActorID)
		submit.ActorID = &actor
	}

	receipt, err := h.ledger.Submit(r.Context(), submit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, receipt); err != nil {
		h.logger.Error("failed to write submit response", zap.Error(err))
	}
}

// HandleListEvents handles GET /tenants/{tenantID}/events?limit=&offset=
func (h *LedgerHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	limit, err := utils.QueryInt(r, "limit", ledger.DefaultPageSize)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	offset, err := utils.QueryInt(r, "offset", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if limit > ledger.MaxPageSize {
		limit = ledger.MaxPageSize
	}

	events, err := h.ledger.ListEvents(r.Context(), tenantID, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	page := EventListResponse{Events: events, Limit: limit, Offset: offset}
	if err := utils.WriteOK(w, page); err != nil {
		h.logger.Error("failed to write events response", zap.Error(err))
	}
}

// HandleGetEvent handles GET /tenants/{tenantID}/events/{eventID}
func (h *LedgerHandler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	eventID, err := uuidParam(r, "eventID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	event, err := h.ledger.GetEvent(r.Context(), tenantID, eventID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, event); err != nil {
		h.logger.Error("failed to write event response", zap.Error(err))
	}
}

// HandleListBlocks handles GET /tenants/{tenantID}/blocks
func (h *LedgerHandler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	blocks, err := h.ledger.ListBlocks(r.Context(), tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, blocks); err != nil {
		h.logger.Error("failed to write blocks response", zap.Error(err))
	}
}

// HandleGetBlock handles GET /tenants/{tenantID}/blocks/{hash}
func (h *LedgerHandler) HandleGetBlock(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	block, err := h.ledger.GetBlock(r.Context(), tenantID, chi.URLParam(r, "hash"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, block); err != nil {
		h.logger.Error("failed to write block response", zap.Error(err))
	}
}

// HandleVerifyChain handles GET /tenants/{tenantID}/verify. A broken chain
// is a successful verification with valid=false.
func (h *LedgerHandler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	report, err := h.ledger.VerifyChain(r.Context(), tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !report.Valid {
		h.logger.Warn("chain verification failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("broken_at", report.BrokenAt),
			zap.String("reason", report.Reason))
	}
	if err := utils.WriteOK(w, report); err != nil {
		h.logger.Error("failed to write verification response", zap.Error(err))
	}
}

// HandleStats handles GET /tenants/{tenantID}/state
func (h *LedgerHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuidParam(r, "tenantID")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	stats, err := h.ledger.Stats(r.Context(), tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, stats); err != nil {
		h.logger.Error("failed to write state response", zap.Error(err))
	}
}

// nullableJSON maps an explicit JSON null to an absent value
func nullableJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
