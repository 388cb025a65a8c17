package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reasons reported by VerifyChain for the first broken block
const (
	ReasonPreviousHash   = "previous_hash"
	ReasonLamportOrder   = "lamport_order"
	ReasonMissingEvents  = "missing_events"
	ReasonHashMismatch   = "hash_mismatch"
	ReasonMerkleMismatch = "merkle_mismatch"
	ReasonHashPointer    = "hash_pointer"
)

// ChainReport is the outcome of a chain verification
type ChainReport struct {
	Valid         bool   `json:"valid"`
	BrokenAt      string `json:"broken_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
	BlocksChecked int    `json:"blocks_checked"`
}

// VerifyChain walks the tenant's chain oldest first against one consistent
// snapshot. Each block must link to its predecessor, advance the lamport
// clock, and match the hash and Merkle root recomputed from its stored
// events. Member events must form an unbroken hash-pointer chain.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID uuid.UUID) (*ChainReport, error) {
	if tenantID == uuid.Nil {
		return nil, services.ErrInvalidTenant
	}

	ctx, span := l.tracer.Start(ctx, "ledger.VerifyChain",
		trace.WithAttributes(attribute.String("tenant_id", tenantID.String())))
	defer span.End()

	report := &ChainReport{Valid: true}
	err := l.txMgr.InSnapshot(ctx, func(ctx context.Context) error {
		blocks, err := l.blocks.ListByTenant(ctx, tenantID)
		if err != nil {
			return err
		}

		previous := models.GenesisHash
		pointer := models.GenesisHash
		var lamport int64

		for _, b := range blocks {
			report.BlocksChecked++

			reason, err := l.checkBlock(ctx, b, previous, lamport, &pointer)
			if err != nil {
				return err
			}
			if reason != "" {
				report.Valid = false
				report.BrokenAt = b.Hash
				report.Reason = reason
				return nil
			}

			previous = b.Hash
			lamport = b.LamportClock
		}
		return nil
	})
	if err != nil {
		return nil, services.WrapInternal("verify chain", err)
	}

	span.SetAttributes(attribute.Bool("valid", report.Valid), attribute.Int("blocks_checked", report.BlocksChecked))
	return report, nil
}

// checkBlock returns the reason b is broken, or "" when it verifies.
// pointer carries the hash pointer of the last verified event.
func (l *Ledger) checkBlock(ctx context.Context, b *models.Block, previous string, lamport int64, pointer *string) (string, error) {
	if b.PreviousHash != previous {
		return ReasonPreviousHash, nil
	}
	if b.LamportClock <= lamport {
		return ReasonLamportOrder, nil
	}

	members, err := l.events.ListByIDs(ctx, b.EventIDs)
	if err != nil {
		return "", err
	}
	if len(members) != len(b.EventIDs) || len(members) == 0 {
		return ReasonMissingEvents, nil
	}

	if BlockHash(b.PreviousHash, members, b.CreatedAt) != b.Hash {
		return ReasonHashMismatch, nil
	}
	if MerkleRoot(members) != b.MerkleRoot {
		return ReasonMerkleMismatch, nil
	}

	for _, e := range members {
		if EventHash(e, *pointer) != e.HashPointer {
			return ReasonHashPointer, nil
		}
		*pointer = e.HashPointer
	}
	return "", nil
}
