package ledger

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MaxLamport is the largest stamp the clock issues. It is also the largest
// integer a JSON client decodes without losing precision.
const MaxLamport int64 = 1<<53 - 1

// ErrClockExhausted is returned when a tenant's clock cannot advance without
// passing MaxLamport
var ErrClockExhausted = errors.New("lamport clock exhausted")

// Clock issues per-tenant Lamport timestamps. Tenants never share state, so
// stamping for one tenant never waits on another.
type Clock struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*tenantClock
}

type tenantClock struct {
	mu    sync.Mutex
	value int64
}

// NewClock creates an empty clock
func NewClock() *Clock {
	return &Clock{tenants: make(map[uuid.UUID]*tenantClock)}
}

func (c *Clock) tenant(id uuid.UUID) *tenantClock {
	c.mu.RLock()
	tc, ok := c.tenants[id]
	c.mu.RUnlock()
	if ok {
		return tc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok = c.tenants[id]; !ok {
		tc = &tenantClock{}
		c.tenants[id] = tc
	}
	return tc
}

// Next returns a value strictly greater than every value previously issued
// or observed for the tenant. The clock is left unchanged when it fails.
func (c *Clock) Next(tenantID uuid.UUID) (int64, error) {
	tc := c.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.value >= MaxLamport {
		return 0, ErrClockExhausted
	}
	tc.value++
	return tc.value, nil
}

// Observe merges a timestamp seen elsewhere: max(local, incoming) + 1. The
// clock is left unchanged when it fails.
func (c *Clock) Observe(tenantID uuid.UUID, incoming int64) (int64, error) {
	tc := c.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	next := tc.value
	if incoming > next {
		next = incoming
	}
	if next >= MaxLamport {
		return 0, ErrClockExhausted
	}
	tc.value = next + 1
	return tc.value, nil
}

// Seed raises the tenant's clock to at least value without issuing a stamp.
// Used when resuming from persisted events.
func (c *Clock) Seed(tenantID uuid.UUID, value int64) {
	tc := c.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if value > tc.value {
		tc.value = value
	}
}

// Current returns the last issued value without advancing
func (c *Clock) Current(tenantID uuid.UUID) int64 {
	tc := c.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.value
}
