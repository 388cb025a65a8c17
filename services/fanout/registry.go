// Package fanout delivers ledger notifications to connected subscribers.
package fanout

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
)

type snapshot map[string]models.Subscription

// Registry tracks each connection's tenant and filter. Readers work on an
// immutable snapshot; writers serialize and publish a fresh copy.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.snap.Store(&empty)
	return r
}

func (r *Registry) update(fn func(next snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make(snapshot, len(cur)+1)
	for id, sub := range cur {
		next[id] = sub
	}
	fn(next)
	r.snap.Store(&next)
}

// Add registers a connection that has not joined a tenant yet
func (r *Registry) Add(connectionID string) {
	r.update(func(next snapshot) {
		if _, ok := next[connectionID]; !ok {
			next[connectionID] = models.Subscription{ConnectionID: connectionID}
		}
	})
}

// SetFilter replaces the connection's filter, keeping its tenant
func (r *Registry) SetFilter(connectionID string, filter models.Filter) {
	filter = cloneFilter(filter)
	r.update(func(next snapshot) {
		sub := next[connectionID]
		sub.ConnectionID = connectionID
		sub.Filter = filter
		next[connectionID] = sub
	})
}

// JoinTenant moves the connection into tenantID's room, keeping its filter
func (r *Registry) JoinTenant(connectionID string, tenantID uuid.UUID) {
	r.update(func(next snapshot) {
		sub := next[connectionID]
		sub.ConnectionID = connectionID
		sub.TenantID = &tenantID
		next[connectionID] = sub
	})
}

// Remove forgets the connection
func (r *Registry) Remove(connectionID string) {
	r.update(func(next snapshot) {
		delete(next, connectionID)
	})
}

// Get returns the connection's subscription
func (r *Registry) Get(connectionID string) (models.Subscription, bool) {
	sub, ok := (*r.snap.Load())[connectionID]
	return sub, ok
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}

// Matching returns, sorted, the connections joined to tenantID whose filter
// accepts event
func (r *Registry) Matching(tenantID uuid.UUID, event *models.AuditEvent) []string {
	var ids []string
	for id, sub := range *r.snap.Load() {
		if sub.TenantID == nil || *sub.TenantID != tenantID {
			continue
		}
		if !sub.Filter.Matches(event) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneFilter(f models.Filter) models.Filter {
	out := models.Filter{EventType: f.EventType}
	if f.ActorID != nil {
		id := *f.ActorID
		out.ActorID = &id
	}
	if f.StartDate != nil {
		t := *f.StartDate
		out.StartDate = &t
	}
	if f.EndDate != nil {
		t := *f.EndDate
		out.EndDate = &t
	}
	return out
}
