package services

import (
	"context"
	"testing"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/infrastructure/repositories/memory"
	"notecollab/pkg/circuitbreaker"
	"notecollab/pkg/crdt"
	"notecollab/pkg/distributed"
	"notecollab/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDurability(t *testing.T, states *memory.MemoryStateRepository, locks *distributed.LockManager) *DurabilityService {
	t.Helper()
	docs := memory.NewMemoryDocumentRepository()
	docs.Put(domain.DocumentMetadata{ID: "doc-1", OwnerID: "alice"})
	cfg := DurabilityConfig{
		OperationTimeout: time.Second,
		Breaker:          circuitbreaker.Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1},
	}
	return NewDurabilityService(states, docs, locks, cfg, nil, logger.NewNop())
}

func docOf(updates ...string) *crdt.Doc {
	d := crdt.New()
	for _, u := range updates {
		_, _ = d.Apply([]byte(u))
	}
	return d
}

func TestDurability_LoadMissingIsEmpty(t *testing.T) {
	svc := newDurability(t, memory.NewMemoryStateRepository(), nil)

	doc, err := svc.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())

	meta, err := svc.Metadata(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), meta.OwnerID)
	_, err = svc.Metadata(context.Background(), "doc-2")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestDurability_PersistRoundTrip(t *testing.T) {
	svc := newDurability(t, memory.NewMemoryStateRepository(), nil)
	ctx := context.Background()

	missing, err := svc.Persist(ctx, "doc-1", docOf("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	doc, err := svc.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, docOf("a", "b").StateHash(), doc.StateHash())

	require.NoError(t, svc.Delete(ctx, "doc-1"))
	doc, err = svc.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())
}

func TestDurability_LoadCorruptState(t *testing.T) {
	states := memory.NewMemoryStateRepository()
	require.NoError(t, states.Save(context.Background(), "doc-1", []byte{0xff, 0x01}))
	svc := newDurability(t, states, nil)

	_, err := svc.Load(context.Background(), "doc-1")
	assert.Error(t, err)
}

func TestDurability_MergeOnSaveAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	states := memory.NewMemoryStateRepository()
	locks := distributed.NewLockManager(client, "labnote:persist:", 2*time.Second)
	first := newDurability(t, states, locks)
	second := newDurability(t, states, locks)
	ctx := context.Background()

	_, err := first.Persist(ctx, "doc-1", docOf("a", "b"))
	require.NoError(t, err)

	missing, err := second.Persist(ctx, "doc-1", docOf("b", "c"))
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte("a")}, missing)

	stored, err := first.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, docOf("a", "b", "c").StateHash(), stored.StateHash())

	locked, err := locks.AcquireLock("doc-1").IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDurability_UnknownNotesDoNotTripBreaker(t *testing.T) {
	svc := newDurability(t, memory.NewMemoryStateRepository(), nil)

	for i := 0; i < 10; i++ {
		_, err := svc.Metadata(context.Background(), "missing")
		require.ErrorIs(t, err, domain.ErrDocumentNotFound)
	}
	stats := svc.BreakerStats()
	assert.Equal(t, circuitbreaker.StateClosed, stats.State)
	assert.Zero(t, stats.FailureCount)
}
