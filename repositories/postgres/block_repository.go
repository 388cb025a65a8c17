package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap"
)

const blockColumns = `hash, previous_hash, tenant_id, lamport_clock, merkle_root, event_ids, metrics, created_at`

// BlockRepository implements the repositories.BlockRepository interface
type BlockRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *DB, logger *zap.Logger) repositories.BlockRepository {
	return &BlockRepository{
		db:     db,
		logger: logger,
	}
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

	query := `
		INSERT INTO blocks (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		block.Hash,
		block.PreviousHash,
		block.TenantID,
		block.LamportClock,
		block.MerkleRoot,
		string(eventIDs),
		string(metrics),
		block.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("block %s: %w", block.Hash, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert block: %w", err)
	}

	r.logger.Debug("block inserted",
		zap.String("hash", block.Hash),
		zap.String("tenant_id", block.TenantID.String()),
		zap.Int64("lamport_clock", block.LamportClock))
	return nil
}

// GetByHash retrieves a tenant's block by hash
func (r *BlockRepository) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE tenant_id = $1 AND hash = $2`

	executor := GetExecutor(ctx, r.db)
	block, err := scanBlock(executor.QueryRowContext(ctx, query, tenantID, hash))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("block %s: %w", hash, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	return block, nil
}

// Latest retrieves the tenant's most recent block
func (r *BlockRepository) Latest(ctx context.Context, tenantID uuid.UUID) (*models.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE tenant_id = $1
		ORDER BY lamport_clock DESC
		LIMIT 1
	`

	executor := GetExecutor(ctx, r.db)
	block, err := scanBlock(executor.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("latest block for tenant %s: %w", tenantID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}

	return block, nil
}

// ListByTenant retrieves the tenant's chain, oldest first
func (r *BlockRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE tenant_id = $1
		ORDER BY lamport_clock ASC
	`

	return r.queryBlocks(ctx, query, tenantID)
}

// ListSince retrieves blocks whose lamport clock is at least minLamport
func (r *BlockRepository) ListSince(ctx context.Context, tenantID uuid.UUID, minLamport int64) ([]*models.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE tenant_id = $1 AND lamport_clock >= $2
		ORDER BY lamport_clock ASC
	`

	return r.queryBlocks(ctx, query, tenantID, minLamport)
}

// queryBlocks is a helper method to query multiple blocks
func (r *BlockRepository) queryBlocks(ctx context.Context, query string, args ...interface{}) ([]*models.Block, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
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
	block := &models.Block{}
	var eventIDs, metrics []byte

	err := row.Scan(
		&block.Hash,
		&block.PreviousHash,
		&block.TenantID,
		&block.LamportClock,
		&block.MerkleRoot,
		&eventIDs,
		&metrics,
		&block.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventIDs, &block.EventIDs); err != nil {
		return nil, fmt.Errorf("failed to decode block event ids: %w", err)
	}
	if err := json.Unmarshal(metrics, &block.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode block metrics: %w", err)
	}
	block.CreatedAt = models.NormalizeTime(block.CreatedAt)
	return block, nil
}
