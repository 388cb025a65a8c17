package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) (*Store, *repositories.Repositories) {
	t.Helper()

	store, err := Open(context.Background(), MemoryPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, store.NewRepositories()
}

func newEvent(tenantID uuid.UUID, lamport int64) *models.AuditEvent {
	e := models.NewAuditEvent(tenantID, models.ActionInferenceRequest, "inference")
	e.Lamport = lamport
	e.HashPointer = models.GenesisHash
	return e
}

func appendEvents(t *testing.T, repo repositories.EventRepository, tenantID uuid.UUID, from, to int64) []*models.AuditEvent {
	t.Helper()

	var out []*models.AuditEvent
	for l := from; l <= to; l++ {
		e := newEvent(tenantID, l)
		require.NoError(t, repo.Append(context.Background(), e))
		out = append(out, e)
	}
	return out
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a path", func(t *testing.T) {
		_, err := Open(ctx, " ", zaptest.NewLogger(t))
		assert.Error(t, err)
	})

	t.Run("file database survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.db")
		tenantID := uuid.New()

		store, err := Open(ctx, path, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, store.NewRepositories().Events.Append(ctx, newEvent(tenantID, 1)))
		require.NoError(t, store.Close())

		store, err = Open(ctx, path, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer store.Close()

		count, err := store.NewRepositories().Events.CountByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.NoError(t, store.HealthCheck(ctx))
	})

	t.Run("close is nil safe", func(t *testing.T) {
		var s *Store
		assert.NoError(t, s.Close())
	})
}

func TestEventRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()

	actor := uuid.New()
	event := newEvent(tenantID, 1)
	event.ActorID = &actor
	event.Details = json.RawMessage(`{"prompt":"hello"}`)
	event.Metadata = json.RawMessage(`{"model":"gpt-4","seed":7}`)
	event.CreatedAt = time.Date(2024, 2, 3, 4, 5, 6, 789000000, time.UTC)
	require.NoError(t, repos.Events.Append(ctx, event))

	got, err := repos.Events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, *event.ActorID, *got.ActorID)
	assert.Equal(t, event.Action, got.Action)
	assert.Equal(t, event.Status, got.Status)
	assert.JSONEq(t, string(event.Details), string(got.Details))
	assert.JSONEq(t, string(event.Metadata), string(got.Metadata))
	assert.Equal(t, event.HashPointer, got.HashPointer)
	assert.Nil(t, got.BlockHash)
	assert.True(t, event.CreatedAt.Equal(got.CreatedAt))

	_, err = repos.Events.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestEventRepository_AppendDuplicates(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()

	event := newEvent(tenantID, 5)
	require.NoError(t, repos.Events.Append(ctx, event))

	t.Run("same id", func(t *testing.T) {
		err := repos.Events.Append(ctx, event)
		assert.ErrorIs(t, err, repositories.ErrDuplicate)
	})

	t.Run("same tenant lamport", func(t *testing.T) {
		err := repos.Events.Append(ctx, newEvent(tenantID, 5))
		assert.ErrorIs(t, err, repositories.ErrDuplicate)
	})

	t.Run("same lamport other tenant", func(t *testing.T) {
		assert.NoError(t, repos.Events.Append(ctx, newEvent(uuid.New(), 5)))
	})
}

func TestEventRepository_UnattachedWatermark(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()
	other := uuid.New()

	events := appendEvents(t, repos.Events, tenantID, 1, 12)
	appendEvents(t, repos.Events, other, 1, 3)

	batch, err := repos.Events.ListUnattached(ctx, tenantID, 0, 10)
	require.NoError(t, err)
	require.Len(t, batch, 10)
	assert.Equal(t, int64(1), batch[0].Lamport)
	assert.Equal(t, int64(10), batch[9].Lamport)

	ids := make([]uuid.UUID, 0, len(batch))
	for _, e := range batch {
		ids = append(ids, e.ID)
	}
	require.NoError(t, repos.Events.MarkAttached(ctx, ids, models.GenesisHash))

	rest, err := repos.Events.ListUnattached(ctx, tenantID, 10, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, events[10].ID, rest[0].ID)

	dangling, err := repos.Events.ListDangling(ctx, tenantID, 12, 100)
	require.NoError(t, err)
	assert.Len(t, dangling, 2)

	attached, err := repos.Events.GetByID(ctx, events[0].ID)
	require.NoError(t, err)
	require.NotNil(t, attached.BlockHash)
	assert.Equal(t, models.GenesisHash, *attached.BlockHash)
}

func TestEventRepository_MarkAttachedIsImmutable(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	events := appendEvents(t, repos.Events, uuid.New(), 1, 2)

	first := "1111111111111111111111111111111111111111111111111111111111111111"
	second := "2222222222222222222222222222222222222222222222222222222222222222"

	require.NoError(t, repos.Events.MarkAttached(ctx, []uuid.UUID{events[0].ID}, first))
	require.NoError(t, repos.Events.MarkAttached(ctx, []uuid.UUID{events[0].ID, events[1].ID}, second))
	require.NoError(t, repos.Events.MarkAttached(ctx, nil, second))

	got, err := repos.Events.ListByIDs(ctx, []uuid.UUID{events[1].ID, events[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, *got[0].BlockHash)
	assert.Equal(t, second, *got[1].BlockHash)
}

func TestEventRepository_ListByTenantAndLatest(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()

	_, err := repos.Events.Latest(ctx, tenantID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	appendEvents(t, repos.Events, tenantID, 1, 5)

	page, err := repos.Events.ListByTenant(ctx, tenantID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].Lamport)
	assert.Equal(t, int64(3), page[1].Lamport)

	latest, err := repos.Events.Latest(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.Lamport)
}

func TestBlockRepository(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()

	_, err := repos.Blocks.Latest(ctx, tenantID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	first := &models.Block{
		Hash:         "1111111111111111111111111111111111111111111111111111111111111111",
		PreviousHash: models.GenesisHash,
		TenantID:     tenantID,
		LamportClock: 10,
		MerkleRoot:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		EventIDs:     []uuid.UUID{uuid.New()},
		Metrics:      models.MetricsData{Consistency: 1, Integrity: 0.9, RecordsAnalyzed: 10},
		CreatedAt:    models.Now(),
	}
	second := &models.Block{
		Hash:         "2222222222222222222222222222222222222222222222222222222222222222",
		PreviousHash: first.Hash,
		TenantID:     tenantID,
		LamportClock: 20,
		MerkleRoot:   first.MerkleRoot,
		EventIDs:     []uuid.UUID{uuid.New()},
		CreatedAt:    models.Now(),
	}
	require.NoError(t, repos.Blocks.Create(ctx, first))
	require.NoError(t, repos.Blocks.Create(ctx, second))

	t.Run("fork is rejected", func(t *testing.T) {
		fork := *second
		fork.Hash = "3333333333333333333333333333333333333333333333333333333333333333"
		fork.LamportClock = 30
		err := repos.Blocks.Create(ctx, &fork)
		assert.ErrorIs(t, err, repositories.ErrDuplicate)
	})

	t.Run("get by hash is tenant scoped", func(t *testing.T) {
		got, err := repos.Blocks.GetByHash(ctx, tenantID, first.Hash)
		require.NoError(t, err)
		assert.Equal(t, first.EventIDs, got.EventIDs)
		assert.Equal(t, 0.9, got.Metrics.Integrity)
		assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

		_, err = repos.Blocks.GetByHash(ctx, uuid.New(), first.Hash)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("chain order", func(t *testing.T) {
		chain, err := repos.Blocks.ListByTenant(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, first.Hash, chain[0].Hash)

		since, err := repos.Blocks.ListSince(ctx, tenantID, 11)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, second.Hash, since[0].Hash)

		latest, err := repos.Blocks.Latest(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, second.Hash, latest.Hash)
	})
}

func TestTransactionManager(t *testing.T) {
	ctx := context.Background()
	_, repos := openTestStore(t)
	tenantID := uuid.New()

	t.Run("rollback discards writes", func(t *testing.T) {
		boom := errors.New("boom")
		err := repos.TxMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
			require.NoError(t, repos.Events.Append(ctx, newEvent(tenantID, 1)))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		count, err := repos.Events.CountByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("snapshot reads", func(t *testing.T) {
		appendEvents(t, repos.Events, tenantID, 1, 3)

		var count int64
		err := repos.TxMgr.InSnapshot(ctx, func(ctx context.Context) error {
			var err error
			count, err = repos.Events.CountByTenant(ctx, tenantID)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})
}
