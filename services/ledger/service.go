// Package ledger implements the append-only audit ledger: Lamport stamping,
// durable append, threshold sealing into a per-tenant hash chain, and chain
// verification.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/config"
	"github.com/upb/llm-audit-ledger/internal/observability"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"github.com/upb/llm-audit-ledger/services"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/upb/llm-audit-ledger/services/ledger"

// Config holds configuration for the Ledger
type Config struct {
	BlockThreshold    int           // Events per block
	AppendMaxAttempts uint          // Store attempts per append, same id and lamport each time
	AttachMaxAttempts uint          // Attempts to link sealed events to their block
	RetryInitialDelay time.Duration // First backoff interval
	SealQueueSize     int           // Pending seal jobs per tenant before submitters wait
	SealTimeout       time.Duration // Upper bound for one seal
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BlockThreshold:    10,
		AppendMaxAttempts: 5,
		AttachMaxAttempts: 5,
		RetryInitialDelay: 50 * time.Millisecond,
		SealQueueSize:     64,
		SealTimeout:       30 * time.Second,
	}
}

// ConfigFrom maps the ledger section of the application config
func ConfigFrom(cfg config.LedgerConfig) Config {
	c := DefaultConfig()
	c.BlockThreshold = cfg.BlockThreshold
	c.AppendMaxAttempts = cfg.AppendMaxAttempts
	c.AttachMaxAttempts = cfg.AttachMaxAttempts
	c.RetryInitialDelay = cfg.RetryInitialDelay
	c.SealQueueSize = cfg.SealQueueSize
	return c
}

// Publisher receives every receipt produced by Submit
type Publisher interface {
	Publish(ctx context.Context, receipt *models.Receipt) error
}

// SubmitRequest is an event as reported by a producer
type SubmitRequest struct {
	TenantID uuid.UUID
	ActorID  *uuid.UUID
	Action   string
	Category string
	Status   string
	Details  json.RawMessage
	Metadata json.RawMessage

	// ObservedLamport is a timestamp the producer already saw, merged into
	// the tenant clock when positive. It must be below MaxLamport.
	ObservedLamport int64
}

// Ledger is the single writer for every tenant it serves
type Ledger struct {
	events  repositories.EventRepository
	blocks  repositories.BlockRepository
	txMgr   repositories.TransactionManager
	clock   *Clock
	locker  SealLocker
	metrics *observability.LedgerMetrics
	pub     Publisher
	tracer  trace.Tracer
	logger  *zap.Logger
	config  Config
	now     func() time.Time

	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantLedger
	closed  bool
	wg      sync.WaitGroup
}

// tenantLedger is the per-tenant writer state. mu serializes stamping,
// append and the seal decision; the sealer goroutine owns block creation.
type tenantLedger struct {
	id uuid.UUID

	mu       sync.Mutex
	ready    bool
	closed   bool
	lastHash string // hash pointer of the newest appended event
	decided  int64  // every event at or below has been handed to the sealer

	sealed      atomic.Int64 // lamport clock of the newest persisted block
	resync      atomic.Bool  // a seal failed, decided falls back to sealed
	pending     atomic.Int64
	accumulated atomic.Int64

	jobs chan *sealJob
}

type sealJob struct {
	after  int64
	batch  []*models.AuditEvent
	result chan sealResult
}

type sealResult struct {
	block *models.Block
	err   error
}

// NewLedger creates a Ledger over the given repositories
func NewLedger(repos *repositories.Repositories, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.BlockThreshold < 1 {
		cfg.BlockThreshold = 1
	}
	if cfg.AppendMaxAttempts == 0 {
		cfg.AppendMaxAttempts = 1
	}
	if cfg.AttachMaxAttempts == 0 {
		cfg.AttachMaxAttempts = 1
	}
	if cfg.SealQueueSize < 1 {
		cfg.SealQueueSize = 1
	}
	if cfg.SealTimeout <= 0 {
		cfg.SealTimeout = DefaultConfig().SealTimeout
	}

	return &Ledger{
		events:  repos.Events,
		blocks:  repos.Blocks,
		txMgr:   repos.TxMgr,
		clock:   NewClock(),
		locker:  LocalLocker{},
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		config:  cfg,
		now:     models.Now,
		tenants: make(map[uuid.UUID]*tenantLedger),
	}
}

// WithLocker sets the lock taken around block creation
func (l *Ledger) WithLocker(locker SealLocker) *Ledger {
	if locker != nil {
		l.locker = locker
	}
	return l
}

// WithMetrics sets the instruments updated by the ledger
func (l *Ledger) WithMetrics(m *observability.LedgerMetrics) *Ledger {
	l.metrics = m
	return l
}

// WithPublisher sets where receipts are sent after every submit
func (l *Ledger) WithPublisher(p Publisher) *Ledger {
	l.pub = p
	return l
}

// WithClock overrides the wall clock used for event and block timestamps
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = func() time.Time { return models.NormalizeTime(now()) }
	return l
}

// Submit stamps, appends and, when the tenant reaches the block threshold,
// seals an event. The returned receipt carries the block when this arrival
// produced one.
func (l *Ledger) Submit(ctx context.Context, req SubmitRequest) (*models.Receipt, error) {
	if req.TenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}
	if req.ObservedLamport < 0 || req.ObservedLamport >= MaxLamport {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("lamport must be between 0 and %d", MaxLamport-1), nil).
			WithDetail("lamport", req.ObservedLamport)
	}

	ctx, span := l.tracer.Start(ctx, "ledger.Submit",
		trace.WithAttributes(attribute.String("tenant_id", req.TenantID.String())))
	defer span.End()

	t, err := l.tenant(req.TenantID)
	if err != nil {
		return nil, err
	}

	// Once a lamport is issued the append runs to completion
	ctx = context.WithoutCancel(ctx)

	t.mu.Lock()
	event, jobs, err := l.record(ctx, t, req)
	t.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	receipt := &models.Receipt{Event: event}
	for _, job := range jobs {
		res := <-job.result
		if res.block == nil {
			continue
		}
		if containsEvent(res.block, event.ID) || receipt.Block == nil {
			receipt.Block = res.block
		}
	}
	if receipt.Block != nil && containsEvent(receipt.Block, event.ID) {
		hash := receipt.Block.Hash
		event.BlockHash = &hash
	}

	span.SetAttributes(attribute.Int64("lamport", event.Lamport), attribute.Bool("sealed", receipt.Sealed()))

	if l.pub != nil {
		if err := l.pub.Publish(ctx, receipt); err != nil {
			l.logger.Warn("failed to publish receipt",
				zap.String("tenant_id", req.TenantID.String()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	}

	return receipt, nil
}

// record runs under t.mu
func (l *Ledger) record(ctx context.Context, t *tenantLedger, req SubmitRequest) (*models.AuditEvent, []*sealJob, error) {
	if t.closed {
		return nil, nil, services.ErrLedgerClosed
	}
	if !t.ready {
		if err := l.warmUp(ctx, t); err != nil {
			return nil, nil, services.WrapUnavailable("load tenant state", err)
		}
	}

	event := models.NewAuditEvent(req.TenantID, req.Action, req.Category)
	event.CreatedAt = l.now()
	event.ActorID = req.ActorID
	if req.Status != "" {
		event.Status = req.Status
	}
	event.Details = req.Details
	event.Metadata = req.Metadata

	var err error
	if req.ObservedLamport > 0 {
		event.Lamport, err = l.clock.Observe(t.id, req.ObservedLamport)
	} else {
		event.Lamport, err = l.clock.Next(t.id)
	}
	if err != nil {
		l.logger.Error("tenant clock cannot advance",
			zap.String("tenant_id", t.id.String()),
			zap.Int64("lamport", l.clock.Current(t.id)),
			zap.Error(err))
		return nil, nil, services.WrapError(services.ErrorTypeConflict, "tenant lamport clock exhausted", err)
	}
	event.HashPointer = EventHash(event, t.lastHash)

	if err := l.append(ctx, t, event); err != nil {
		l.metrics.AppendFailed(ctx)
		l.logger.Error("failed to append audit event",
			zap.String("tenant_id", t.id.String()),
			zap.String("event_id", event.ID.String()),
			zap.Int64("lamport", event.Lamport),
			zap.Error(err))
		return nil, nil, services.WrapUnavailable("event could not be stored", err)
	}
	t.lastHash = event.HashPointer
	l.metrics.EventAppended(ctx)

	if t.resync.CompareAndSwap(true, false) {
		t.decided = t.sealed.Load()
	}

	var jobs []*sealJob
	for {
		batch, err := l.events.ListUnattached(ctx, t.id, t.decided, l.config.BlockThreshold)
		if err != nil {
			// The event is stored; the next arrival retries the decision
			l.logger.Warn("failed to count unattached events",
				zap.String("tenant_id", t.id.String()),
				zap.Error(err))
			break
		}
		if len(batch) < l.config.BlockThreshold {
			t.accumulated.Store(int64(len(batch)))
			break
		}

		job := &sealJob{after: t.decided, batch: batch, result: make(chan sealResult, 1)}
		t.decided = batch[len(batch)-1].Lamport
		t.pending.Add(1)
		t.jobs <- job
		jobs = append(jobs, job)
	}

	return event.Clone(), jobs, nil
}

// append stores the event, retrying with the same id and lamport. A
// duplicate of our own id means an earlier attempt landed.
func (l *Ledger) append(ctx context.Context, t *tenantLedger, event *models.AuditEvent) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			l.metrics.AppendRetried(ctx)
		}

		err := l.events.Append(ctx, event)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, repositories.ErrDuplicate) {
			if stored, getErr := l.events.GetByID(ctx, event.ID); getErr == nil && stored.Lamport == event.Lamport {
				return struct{}{}, nil
			}
			// Another writer holds this lamport; reload state before the next stamp
			t.ready = false
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, l.retryOptions(l.config.AppendMaxAttempts)...)

	if err != nil && !errors.Is(err, repositories.ErrDuplicate) {
		// The last attempt may have committed before its error came back
		if stored, getErr := l.events.GetByID(ctx, event.ID); getErr == nil && stored.Lamport == event.Lamport {
			return nil
		}
	}
	return err
}

func (l *Ledger) retryOptions(maxTries uint) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.RetryInitialDelay
	b.MaxInterval = 2 * time.Second

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(l.config.SealTimeout),
	}
}

// tenant returns the writer state for id, starting its sealer on first use
func (l *Ledger) tenant(id uuid.UUID) (*tenantLedger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, services.ErrLedgerClosed
	}
	if t, ok := l.tenants[id]; ok {
		return t, nil
	}

	t := &tenantLedger{
		id:   id,
		jobs: make(chan *sealJob, l.config.SealQueueSize),
	}
	l.tenants[id] = t

	l.wg.Add(1)
	go l.runSealer(t)

	return t, nil
}

// warmUp loads the clock, the event chain head and the sealed watermark from
// the store. Runs under t.mu.
func (l *Ledger) warmUp(ctx context.Context, t *tenantLedger) error {
	t.lastHash = models.GenesisHash
	latest, err := l.events.Latest(ctx, t.id)
	switch {
	case err == nil:
		l.clock.Seed(t.id, latest.Lamport)
		t.lastHash = latest.HashPointer
	case !errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("latest event: %w", err)
	}

	var sealed int64
	block, err := l.blocks.Latest(ctx, t.id)
	switch {
	case err == nil:
		sealed = block.LamportClock
	case !errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("latest block: %w", err)
	}
	t.sealed.Store(sealed)
	t.decided = sealed
	t.resync.Store(false)
	t.ready = true

	if unsealed, err := l.events.ListUnattached(ctx, t.id, sealed, l.config.BlockThreshold); err == nil {
		t.accumulated.Store(int64(len(unsealed)))
	}

	if n, err := l.repair(ctx, t); err != nil {
		l.logger.Warn("repair pass failed", zap.String("tenant_id", t.id.String()), zap.Error(err))
	} else if n > 0 {
		l.logger.Info("re-attached dangling events", zap.String("tenant_id", t.id.String()), zap.Int("count", n))
	}

	return nil
}

// Stop stops accepting submissions and waits for queued seals to finish
func (l *Ledger) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	tenants := make([]*tenantLedger, 0, len(l.tenants))
	for _, t := range l.tenants {
		tenants = append(tenants, t)
	}
	l.mu.Unlock()

	pending := 0
	for _, t := range tenants {
		t.mu.Lock()
		t.closed = true
		pending += len(t.jobs)
		close(t.jobs)
		t.mu.Unlock()
	}
	l.logger.Info("stopping ledger", zap.Int("tenants", len(tenants)), zap.Int("pending_seals", pending))

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("ledger stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ledger stop timeout after %v", timeout)
	}
}

func containsEvent(block *models.Block, id uuid.UUID) bool {
	for _, eid := range block.EventIDs {
		if eid == id {
			return true
		}
	}
	return false
}
