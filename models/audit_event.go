package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known actions recorded by the LLM gateway. Action is free-form; these
// are the values emitted by first-party producers.
const (
	ActionInferenceRequest  = "inference_request"
	ActionInferenceResponse = "inference_response"
	ActionPolicyViolation   = "policy_violation"
	ActionPromptRedacted    = "prompt_redacted"
	ActionModelSwitched     = "model_switched"
)

// Event outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusBlocked = "blocked"
)

// AuditEvent is one immutable entry in a tenant's ledger
type AuditEvent struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	ActorID     *uuid.UUID      `json:"actor_id,omitempty"` // nil = unattributed
	Action      string          `json:"action"`
	Category    string          `json:"category"`
	Status      string          `json:"status"`
	Details     json.RawMessage `json:"details,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Lamport     int64           `json:"lamport"`
	HashPointer string          `json:"hash_pointer"`
	BlockHash   *string         `json:"block_hash,omitempty"` // set once when sealed
	CreatedAt   time.Time       `json:"created_at"`
}

// NewAuditEvent creates a new AuditEvent with a fresh ID. The lamport stamp and
// hash pointer are assigned by the ledger.
func NewAuditEvent(tenantID uuid.UUID, action, category string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Action:    action,
		Category:  category,
		Status:    StatusSuccess,
		CreatedAt: Now(),
	}
}

// HasMetadata reports whether metadata is present and not JSON null
func (e *AuditEvent) HasMetadata() bool {
	return hasJSON(e.Metadata)
}

// Clone returns a deep copy safe to hand to another goroutine
func (e *AuditEvent) Clone() *AuditEvent {
	c := *e
	if e.ActorID != nil {
		id := *e.ActorID
		c.ActorID = &id
	}
	if e.BlockHash != nil {
		h := *e.BlockHash
		c.BlockHash = &h
	}
	c.Details = append(json.RawMessage(nil), e.Details...)
	c.Metadata = append(json.RawMessage(nil), e.Metadata...)
	return &c
}

// Now returns the current time in UTC truncated to the millisecond precision
// the ledger stores and hashes.
func Now() time.Time {
	return NormalizeTime(time.Now())
}

// NormalizeTime truncates t to milliseconds in UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func hasJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
