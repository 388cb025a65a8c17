package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-audit-ledger/services"
)

// SealLocker guards block creation for a tenant across ledger instances.
// Acquire returns a release function that must be called once sealing ends.
type SealLocker interface {
	Acquire(ctx context.Context, tenantID uuid.UUID) (release func(context.Context) error, err error)
}

// LocalLocker is used when a single instance owns every tenant. The per-tenant
// sealer already serializes block creation, so there is nothing to take.
type LocalLocker struct{}

// Acquire always succeeds
func (LocalLocker) Acquire(ctx context.Context, tenantID uuid.UUID) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock that another instance took over is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var errLockHeld = errors.New("seal lock held")

// RedisLocker is a SET NX PX lock keyed per tenant
type RedisLocker struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	maxAttempts uint
	retryDelay  time.Duration
}

// NewRedisLocker creates a locker storing keys as prefix+tenantID
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, maxAttempts uint) *RedisLocker {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &RedisLocker{
		client:      client,
		prefix:      prefix,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		retryDelay:  ttl / 10,
	}
}

// Key returns the lock key for a tenant
func (l *RedisLocker) Key(tenantID uuid.UUID) string {
	return l.prefix + tenantID.String()
}

// Acquire takes the tenant's lock, retrying while another holder has it.
// Returns services.ErrSealInProgress when the lock stays held.
func (l *RedisLocker) Acquire(ctx context.Context, tenantID uuid.UUID) (func(context.Context) error, error) {
	key := l.Key(tenantID)
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryDelay
	b.MaxInterval = l.ttl

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("set %s: %w", key, err))
		}
		if !ok {
			return false, errLockHeld
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(l.maxAttempts))

	if errors.Is(err, errLockHeld) {
		return nil, services.ErrSealInProgress
	}
	if err != nil {
		return nil, services.WrapUnavailable("acquire seal lock", err)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}
