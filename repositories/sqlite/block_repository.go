package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
)

const blockColumns = `hash, previous_hash, tenant_id, lamport_clock, merkle_root, event_ids, metrics, created_at`

// BlockRepository implements the repositories.BlockRepository interface
type BlockRepository struct {
	store *Store
}

// Create inserts a sealed block
func (r *BlockRepository) Create(ctx context.Context, block *models.Block) error {
	eventIDs, err := json.Marshal(block.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to encode block event ids: %w", err)
	}
	metrics, err := json.Marshal(block.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode block metrics: %w", err)
	}

	query := `INSERT INTO blocks (` + blockColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.store.exec(ctx).ExecContext(ctx, query,
		block.Hash,
		block.PreviousHash,
		block.TenantID.String(),
		block.LamportClock,
		block.MerkleRoot,
		string(eventIDs),
		string(metrics),
		toMillis(block.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("block %s: %w", block.Hash, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// GetByHash retrieves a tenant's block by hash
func (r *BlockRepository) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE tenant_id = ? AND hash = ?`

	block, err := scanBlock(r.store.exec(ctx).QueryRowContext(ctx, query, tenantID.String(), hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("block %s: %w", hash, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return block, nil
}

// Latest retrieves the tenant's most recent block
func (r *BlockRepository) Latest(ctx context.Context, tenantID uuid.UUID) (*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE tenant_id = ? ORDER BY lamport_clock DESC LIMIT 1`

	block, err := scanBlock(r.store.exec(ctx).QueryRowContext(ctx, query, tenantID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("latest block for tenant %s: %w", tenantID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return block, nil
}

// ListByTenant retrieves the tenant's chain, oldest first
func (r *BlockRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE tenant_id = ? ORDER BY lamport_clock ASC`
	return r.queryBlocks(ctx, query, tenantID.String())
}

// ListSince retrieves blocks whose lamport clock is at least minLamport
func (r *BlockRepository) ListSince(ctx context.Context, tenantID uuid.UUID, minLamport int64) ([]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE tenant_id = ? AND lamport_clock >= ? ORDER BY lamport_clock ASC`
	return r.queryBlocks(ctx, query, tenantID.String(), minLamport)
}

func (r *BlockRepository) queryBlocks(ctx context.Context, query string, args ...interface{}) ([]*models.Block, error) {
	rows, err := r.store.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*models.Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block rows: %w", err)
	}
	return blocks, nil
}

func scanBlock(row rowScanner) (*models.Block, error) {
	var (
		block             models.Block
		tenantID          string
		eventIDs, metrics string
		createdAt         int64
	)
	err := row.Scan(&block.Hash, &block.PreviousHash, &tenantID, &block.LamportClock,
		&block.MerkleRoot, &eventIDs, &metrics, &createdAt)
	if err != nil {
		return nil, err
	}

	if block.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	if err := json.Unmarshal([]byte(eventIDs), &block.EventIDs); err != nil {
		return nil, fmt.Errorf("failed to decode block event ids: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &block.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode block metrics: %w", err)
	}
	block.CreatedAt = fromMillis(createdAt)
	return &block, nil
}
