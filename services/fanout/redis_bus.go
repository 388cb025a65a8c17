package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-audit-ledger/models"
	"go.uber.org/zap"
)

// RedisBus carries receipts over Redis pub/sub so that every instance
// dispatches to its own connections
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *Dispatcher
	logger  *zap.Logger
	ready   chan struct{}
}

// NewRedisBus creates a bus on channel delivering into local
func NewRedisBus(client *redis.Client, channel string, local *Dispatcher, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Publish sends the receipt to every instance. When Redis rejects it, the
// local subscribers still receive it.
func (b *RedisBus) Publish(ctx context.Context, receipt *models.Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.local.Dispatch(ctx, receipt)
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the channel and dispatches every receipt until ctx is
// done
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("fan-out bus subscribed", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var receipt models.Receipt
			if err := json.Unmarshal([]byte(msg.Payload), &receipt); err != nil || receipt.Event == nil {
				b.logger.Warn("discarding malformed fan-out message",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			b.local.Dispatch(ctx, &receipt)
		}
	}
}
