package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap"
)

var blockRowColumns = []string{
	"hash", "previous_hash", "tenant_id", "lamport_clock", "merkle_root", "event_ids", "metrics", "created_at",
}

const testBlockHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func testBlock(tenantID uuid.UUID) *models.Block {
	return &models.Block{
		Hash:         testBlockHash,
		PreviousHash: models.GenesisHash,
		TenantID:     tenantID,
		LamportClock: 10,
		MerkleRoot:   testBlockHash,
		EventIDs:     []uuid.UUID{uuid.New(), uuid.New()},
		Metrics:      models.MetricsData{Consistency: 1, Security: 1, RecordsAnalyzed: 2},
		CreatedAt:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBlockRepository_Create(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("inserts block with encoded members", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBlockRepository(db, zap.NewNop())
		block := testBlock(tenantID)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO blocks")).
			WithArgs(block.Hash, models.GenesisHash, tenantID, int64(10), block.MerkleRoot,
				sqlmock.AnyArg(), sqlmock.AnyArg(), block.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, block))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fork attempt maps to ErrDuplicate", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBlockRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO blocks")).
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Create(ctx, testBlock(tenantID))
		assert.ErrorIs(t, err, repositories.ErrDuplicate)
	})
}

func TestBlockRepository_GetByHash(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	block := testBlock(tenantID)

	t.Run("decodes members and metrics", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBlockRepository(db, zap.NewNop())

		ids := `["` + block.EventIDs[0].String() + `","` + block.EventIDs[1].String() + `"]`
		mock.ExpectQuery(regexp.QuoteMeta("FROM blocks WHERE tenant_id = $1 AND hash = $2")).
			WithArgs(tenantID, block.Hash).
			WillReturnRows(sqlmock.NewRows(blockRowColumns).AddRow(
				block.Hash, block.PreviousHash, tenantID.String(), int64(10), block.MerkleRoot,
				[]byte(ids), []byte(`{"consistency":1,"reproducibility":0.5,"integrity":1,"explainability":1,"security":1,"records_analyzed":2}`),
				block.CreatedAt,
			))

		got, err := repo.GetByHash(ctx, tenantID, block.Hash)
		require.NoError(t, err)
		assert.Equal(t, block.EventIDs, got.EventIDs)
		assert.Equal(t, 0.5, got.Metrics.Reproducibility)
		assert.Equal(t, 2, got.Metrics.RecordsAnalyzed)
		assert.Equal(t, models.GenesisHash, got.PreviousHash)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBlockRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("FROM blocks WHERE tenant_id = $1 AND hash = $2")).
			WillReturnRows(sqlmock.NewRows(blockRowColumns))

		_, err := repo.GetByHash(ctx, tenantID, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestBlockRepository_Listing(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	db, mock := newMockDB(t)
	repo := NewBlockRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY lamport_clock ASC")).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows(blockRowColumns).
			AddRow(testBlockHash, models.GenesisHash, tenantID.String(), int64(10), testBlockHash, []byte(`[]`), []byte(`{}`), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("lamport_clock >= $2")).
		WithArgs(tenantID, int64(15)).
		WillReturnRows(sqlmock.NewRows(blockRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY lamport_clock DESC")).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows(blockRowColumns))

	chain, err := repo.ListByTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	since, err := repo.ListSince(ctx, tenantID, 15)
	require.NoError(t, err)
	assert.Empty(t, since)

	_, err = repo.Latest(ctx, tenantID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
