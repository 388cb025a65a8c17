package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/internal/observability"
	"github.com/upb/llm-audit-ledger/models"
	"go.uber.org/zap"
)

// Connection is a subscriber's outbound notification queue
type Connection struct {
	ID string

	mu        sync.Mutex // serializes senders so a notification set lands together
	send      chan models.Notification
	done      chan struct{}
	closeOnce sync.Once
}

// Notifications returns the queue the transport drains
func (c *Connection) Notifications() <-chan models.Notification {
	return c.send
}

// Done is closed when the connection is disconnected
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// offer queues every notification or none of them
func (c *Connection) offer(notes []models.Notification) (delivered bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false, "disconnected"
	default:
	}
	if cap(c.send)-len(c.send) < len(notes) {
		return false, "buffer_full"
	}
	for _, n := range notes {
		c.send <- n
	}
	return true, ""
}

// Dispatcher owns the local connections and delivers receipts to every
// matching subscriber
type Dispatcher struct {
	registry   *Registry
	bufferSize int
	metrics    *observability.LedgerMetrics
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewDispatcher creates a dispatcher whose connections buffer bufferSize
// notifications
func NewDispatcher(registry *Registry, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize < 2 {
		bufferSize = 2
	}
	return &Dispatcher{
		registry:   registry,
		bufferSize: bufferSize,
		logger:     logger,
		now:        models.Now,
		conns:      make(map[string]*Connection),
	}
}

// WithMetrics sets the instruments updated on delivery
func (d *Dispatcher) WithMetrics(m *observability.LedgerMetrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithClock overrides the timestamp source of metrics notifications
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Registry returns the subscription registry
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Connect registers a new connection with no tenant and no filter
func (d *Dispatcher) Connect(ctx context.Context) *Connection {
	c := &Connection{
		ID:   uuid.NewString(),
		send: make(chan models.Notification, d.bufferSize),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.conns[c.ID] = c
	d.mu.Unlock()
	d.registry.Add(c.ID)

	d.metrics.ConnectionOpened(ctx)
	d.logger.Debug("subscriber connected", zap.String("connection_id", c.ID))
	return c
}

// Disconnect removes the connection and its subscription
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) {
	d.registry.Remove(connectionID)

	d.mu.Lock()
	c, ok := d.conns[connectionID]
	delete(d.conns, connectionID)
	d.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	d.metrics.ConnectionClosed(ctx)
	d.logger.Debug("subscriber disconnected", zap.String("connection_id", connectionID))
}

// DisconnectAll disconnects every local connection. Transports observe
// Done and close their sockets.
func (d *Dispatcher) DisconnectAll(ctx context.Context) int {
	d.mu.RLock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	for _, id := range ids {
		d.Disconnect(ctx, id)
	}
	return len(ids)
}

// Connections returns the number of live local connections
func (d *Dispatcher) Connections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Dispatch queues the receipt's notifications on every matching connection
// and returns how many connections received them. Delivery never blocks and
// never fails the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, receipt *models.Receipt) int {
	if receipt == nil || receipt.Event == nil {
		return 0
	}

	ids := d.registry.Matching(receipt.Event.TenantID, receipt.Event)
	if len(ids) == 0 {
		return 0
	}
	notes := receipt.Notifications(d.now())

	delivered := 0
	for _, id := range ids {
		d.mu.RLock()
		c, ok := d.conns[id]
		d.mu.RUnlock()
		if !ok {
			d.metrics.NotificationDropped(ctx, "disconnected")
			continue
		}

		ok, reason := c.offer(notes)
		if !ok {
			d.metrics.NotificationDropped(ctx, reason)
			if reason == "buffer_full" {
				d.logger.Warn("subscriber buffer full, dropping notifications",
					zap.String("connection_id", id),
					zap.String("event_id", receipt.Event.ID.String()))
			}
			continue
		}

		delivered++
		for _, n := range notes {
			d.metrics.NotificationSent(ctx, string(n.Type))
		}
	}
	return delivered
}

// Publish dispatches locally. It lets the dispatcher stand in for the ledger
// publisher when a single instance serves every subscriber.
func (d *Dispatcher) Publish(ctx context.Context, receipt *models.Receipt) error {
	d.Dispatch(ctx, receipt)
	return nil
}
