package models

import "time"

// NotificationType identifies a push message sent to subscribers
type NotificationType string

const (
	NotificationRecordCreated NotificationType = "RECORD_CREATED"
	NotificationBlockCreated  NotificationType = "BLOCK_CREATED"
	NotificationMetricsUpdate NotificationType = "METRICS_UPDATE"
)

// Notification is the wire message pushed to a subscribed connection
type Notification struct {
	Type      NotificationType `json:"type"`
	Record    *AuditEvent      `json:"record,omitempty"`
	BlockHash string           `json:"block_hash,omitempty"`
	Metrics   *MetricsData     `json:"metrics,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

// Receipt is the outcome of submitting one event: the stored event and, when
// its arrival sealed a block, that block.
type Receipt struct {
	Event *AuditEvent `json:"event"`
	Block *Block      `json:"block,omitempty"`
}

// Sealed reports whether the submission sealed a block
func (r *Receipt) Sealed() bool {
	return r.Block != nil
}

// Notifications expands a receipt into the messages every matching connection
// receives, in delivery order.
func (r *Receipt) Notifications(now time.Time) []Notification {
	if r.Block == nil {
		return []Notification{{Type: NotificationRecordCreated, Record: r.Event}}
	}
	metrics := r.Block.Metrics
	ts := now
	return []Notification{
		{Type: NotificationBlockCreated, Record: r.Event, BlockHash: r.Block.Hash},
		{Type: NotificationMetricsUpdate, BlockHash: r.Block.Hash, Metrics: &metrics, Timestamp: &ts},
	}
}
