package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"github.com/upb/llm-audit-ledger/services/cries"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// repairBatchSize bounds how many dangling events one repair pass loads
const repairBatchSize = 500

// BuildBlock seals a batch ordered by lamport into a block linked to
// previousHash. The batch must not be empty.
func BuildBlock(tenantID uuid.UUID, previousHash string, batch []*models.AuditEvent, now time.Time) *models.Block {
	createdAt := models.NormalizeTime(now)

	ids := make([]uuid.UUID, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}

	return &models.Block{
		Hash:         BlockHash(previousHash, batch, createdAt),
		PreviousHash: previousHash,
		TenantID:     tenantID,
		LamportClock: maxLamport(batch),
		MerkleRoot:   MerkleRoot(batch),
		EventIDs:     ids,
		Metrics:      cries.Score(batch),
		CreatedAt:    createdAt,
	}
}

// runSealer processes the tenant's seal jobs in submission order
func (l *Ledger) runSealer(t *tenantLedger) {
	defer l.wg.Done()

	l.logger.Debug("sealer started", zap.String("tenant_id", t.id.String()))

	for job := range t.jobs {
		block, err := l.seal(t, job)
		t.pending.Add(-1)
		job.result <- sealResult{block: block, err: err}
	}

	l.logger.Debug("sealer stopped", zap.String("tenant_id", t.id.String()))
}

// seal persists one block. A job decided past a watermark that no longer
// holds is skipped; its events are batched again after the resync.
func (l *Ledger) seal(t *tenantLedger, job *sealJob) (*models.Block, error) {
	if job.after != t.sealed.Load() {
		l.logger.Debug("skipping stale seal job",
			zap.String("tenant_id", t.id.String()),
			zap.Int64("after", job.after),
			zap.Int64("sealed", t.sealed.Load()))
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.config.SealTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "ledger.Seal", trace.WithAttributes(
		attribute.String("tenant_id", t.id.String()),
		attribute.Int("batch_size", len(job.batch))))
	defer span.End()

	start := time.Now()
	block, err := l.sealLocked(ctx, t, job)
	if err != nil {
		t.resync.Store(true)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("failed to seal block",
			zap.String("tenant_id", t.id.String()),
			zap.Int64("after", job.after),
			zap.Error(err))
		return nil, err
	}
	if block == nil {
		return nil, nil
	}

	l.metrics.BlockSealed(ctx, time.Since(start))
	span.SetAttributes(attribute.String("block_hash", block.Hash))
	l.logger.Info("sealed block",
		zap.String("tenant_id", t.id.String()),
		zap.String("block_hash", block.Hash),
		zap.Int64("lamport_clock", block.LamportClock),
		zap.Int("events", len(block.EventIDs)))

	return block, nil
}

func (l *Ledger) sealLocked(ctx context.Context, t *tenantLedger, job *sealJob) (*models.Block, error) {
	release, err := l.locker.Acquire(ctx, t.id)
	if err != nil {
		l.metrics.SealFailed(ctx, "lock")
		return nil, fmt.Errorf("acquire seal lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("failed to release seal lock", zap.String("tenant_id", t.id.String()), zap.Error(err))
		}
	}()

	if n, err := l.repair(ctx, t); err != nil {
		l.logger.Warn("repair pass failed", zap.String("tenant_id", t.id.String()), zap.Error(err))
	} else if n > 0 {
		l.logger.Info("re-attached dangling events", zap.String("tenant_id", t.id.String()), zap.Int("count", n))
	}

	previous := models.GenesisHash
	latest, err := l.blocks.Latest(ctx, t.id)
	switch {
	case err == nil:
		if latest.LamportClock > job.after {
			// Another writer extended the chain
			t.sealed.Store(latest.LamportClock)
			t.resync.Store(true)
			l.metrics.SealFailed(ctx, "superseded")
			return nil, nil
		}
		previous = latest.Hash
	case !errors.Is(err, repositories.ErrNotFound):
		l.metrics.SealFailed(ctx, "store")
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	block := BuildBlock(t.id, previous, job.batch, l.now())
	if err := l.blocks.Create(ctx, block); err != nil {
		l.metrics.SealFailed(ctx, "persist")
		return nil, fmt.Errorf("persist block: %w", err)
	}
	t.sealed.Store(block.LamportClock)

	if err := l.attach(ctx, block); err != nil {
		// The block stands; the repair pass links these events later
		l.logger.Error("failed to attach events to block",
			zap.String("tenant_id", t.id.String()),
			zap.String("block_hash", block.Hash),
			zap.Error(err))
	}

	return block, nil
}

func (l *Ledger) attach(ctx context.Context, block *models.Block) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.events.MarkAttached(ctx, block.EventIDs, block.Hash)
	}, l.retryOptions(l.config.AttachMaxAttempts)...)
	return err
}

// repair links events at or below the sealed watermark that a previous seal
// persisted in a block but failed to mark
func (l *Ledger) repair(ctx context.Context, t *tenantLedger) (int, error) {
	sealed := t.sealed.Load()
	if sealed == 0 {
		return 0, nil
	}

	dangling, err := l.events.ListDangling(ctx, t.id, sealed, repairBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list dangling events: %w", err)
	}
	if len(dangling) == 0 {
		return 0, nil
	}

	blocks, err := l.blocks.ListSince(ctx, t.id, dangling[0].Lamport)
	if err != nil {
		return 0, fmt.Errorf("list blocks: %w", err)
	}

	owner := make(map[uuid.UUID]string)
	for _, b := range blocks {
		for _, id := range b.EventIDs {
			owner[id] = b.Hash
		}
	}

	byBlock := make(map[string][]uuid.UUID)
	var order []string
	for _, e := range dangling {
		hash, ok := owner[e.ID]
		if !ok {
			l.logger.Warn("dangling event has no block",
				zap.String("tenant_id", t.id.String()),
				zap.String("event_id", e.ID.String()),
				zap.Int64("lamport", e.Lamport))
			continue
		}
		if _, seen := byBlock[hash]; !seen {
			order = append(order, hash)
		}
		byBlock[hash] = append(byBlock[hash], e.ID)
	}

	repaired := 0
	for _, hash := range order {
		ids := byBlock[hash]
		if err := l.events.MarkAttached(ctx, ids, hash); err != nil {
			l.metrics.EventsRepaired(ctx, repaired)
			return repaired, fmt.Errorf("attach to %s: %w", hash, err)
		}
		repaired += len(ids)
	}
	l.metrics.EventsRepaired(ctx, repaired)

	return repaired, nil
}

// Repair runs the repair pass for a tenant outside the seal path
func (l *Ledger) Repair(ctx context.Context, tenantID uuid.UUID) (int, error) {
	t, err := l.tenant(tenantID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		if err := l.warmUp(ctx, t); err != nil {
			return 0, err
		}
	}
	return l.repair(ctx, t)
}
