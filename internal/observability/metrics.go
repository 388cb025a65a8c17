package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the ledger instruments
const MeterName = "github.com/upb/llm-audit-ledger"

// LedgerMetrics records ledger and fan-out activity. A nil *LedgerMetrics is
// valid and records nothing.
type LedgerMetrics struct {
	eventsAppended       metric.Int64Counter
	appendRetries        metric.Int64Counter
	appendFailures       metric.Int64Counter
	blocksSealed         metric.Int64Counter
	sealFailures         metric.Int64Counter
	sealDuration         metric.Float64Histogram
	eventsRepaired       metric.Int64Counter
	notificationsSent    metric.Int64Counter
	notificationsDropped metric.Int64Counter
	connections          metric.Int64UpDownCounter
}

// NewLedgerMetrics creates the ledger instruments on meter
func NewLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	if meter == nil {
		return nil, fmt.Errorf("nil meter")
	}

	m := &LedgerMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		help string
	}{
		{&m.eventsAppended, "ledger_events_appended_total", "Audit events durably appended."},
		{&m.appendRetries, "ledger_append_retries_total", "Append attempts retried after a store failure."},
		{&m.appendFailures, "ledger_append_failures_total", "Appends abandoned after exhausting retries."},
		{&m.blocksSealed, "ledger_blocks_sealed_total", "Blocks sealed and persisted."},
		{&m.sealFailures, "ledger_seal_failures_total", "Seal attempts that did not persist a block."},
		{&m.eventsRepaired, "ledger_events_repaired_total", "Dangling events re-attached by the repair pass."},
		{&m.notificationsSent, "ledger_notifications_sent_total", "Notifications queued to subscribers."},
		{&m.notificationsDropped, "ledger_notifications_dropped_total", "Notifications dropped by the dispatcher."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.help)); err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}

	if m.sealDuration, err = meter.Float64Histogram("ledger_seal_duration_seconds",
		metric.WithDescription("Time to hash, score and persist a block."),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create seal duration histogram: %w", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("ledger_stream_connections",
		metric.WithDescription("Live subscriber connections.")); err != nil {
		return nil, fmt.Errorf("create connections gauge: %w", err)
	}

	return m, nil
}

// EventAppended records a durable append
func (m *LedgerMetrics) EventAppended(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(ctx, 1)
}

// AppendRetried records a retried append attempt
func (m *LedgerMetrics) AppendRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.appendRetries.Add(ctx, 1)
}

// AppendFailed records an abandoned append
func (m *LedgerMetrics) AppendFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.appendFailures.Add(ctx, 1)
}

// BlockSealed records a persisted block
func (m *LedgerMetrics) BlockSealed(ctx context.Context, took time.Duration) {
	if m == nil {
		return
	}
	m.blocksSealed.Add(ctx, 1)
	m.sealDuration.Record(ctx, took.Seconds())
}

// SealFailed records a seal that persisted nothing
func (m *LedgerMetrics) SealFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sealFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// EventsRepaired records dangling events re-attached to their block
func (m *LedgerMetrics) EventsRepaired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsRepaired.Add(ctx, int64(n))
}

// NotificationSent records a notification queued to a connection
func (m *LedgerMetrics) NotificationSent(ctx context.Context, notificationType string) {
	if m == nil {
		return
	}
	m.notificationsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", notificationType)))
}

// NotificationDropped records a notification the dispatcher discarded
func (m *LedgerMetrics) NotificationDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.notificationsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ConnectionOpened records a new subscriber connection
func (m *LedgerMetrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

// ConnectionClosed records a closed subscriber connection
func (m *LedgerMetrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
