package models

import (
	"time"

	"github.com/google/uuid"
)

// Filter narrows which events a connection is notified about. Unset fields
// match everything.
type Filter struct {
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// Matches reports whether the event passes the filter. Date bounds are
// inclusive.
func (f Filter) Matches(e *AuditEvent) bool {
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.EventType != "" && e.Action != f.EventType {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// Subscription is a live connection's tenant membership and filter
type Subscription struct {
	ConnectionID string     `json:"connection_id"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"` // nil until joined
	Filter       Filter     `json:"filter"`
}

// Matches reports whether the subscription should receive the event
func (s *Subscription) Matches(e *AuditEvent) bool {
	if s.TenantID == nil || *s.TenantID != e.TenantID {
		return false
	}
	return s.Filter.Matches(e)
}
