package services

import (
	"context"
	"testing"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/infrastructure/repositories/memory"
	apperrors "notecollab/pkg/errors"
	"notecollab/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeDispatcher_AccessChangeRevokes(t *testing.T) {
	f := newSessionFixture(t, testSessionConfig())
	access := memory.NewMemoryAccessRepository()
	access.Grant("doc-1", "bob", domain.LevelEditor)
	permissions := NewPermissionService(access, f.hub, testPermissionConfig(), nil, logger.NewNop())
	t.Cleanup(permissions.Stop)
	dispatcher := NewChangeDispatcher(permissions, f.manager, nil, logger.NewNop())
	ctx := context.Background()

	assert.Equal(t, domain.LevelEditor, permissions.Check(ctx, "doc-1", "bob").Level)

	bob := newFakePeer("c1", "bob", domain.LevelEditor)
	_, err := f.manager.Join(ctx, "doc-1", bob)
	require.NoError(t, err)

	access.Revoke("doc-1", "bob")
	dispatcher.Dispatch(ctx, domain.ChangeEvent{
		Table:      domain.TableAccess,
		Operation:  domain.OperationDelete,
		DocumentID: "doc-1",
		UserID:     "bob",
		OldLevel:   domain.LevelEditor,
	})

	assert.Equal(t, domain.LevelNone, permissions.Check(ctx, "doc-1", "bob").Level, "cache evicted")
	require.Eventually(t, func() bool {
		code, _ := bob.snapshot()
		return code == apperrors.CloseForbidden
	}, time.Second, 5*time.Millisecond)
}

func TestChangeDispatcher_NoteDeletion(t *testing.T) {
	f := newSessionFixture(t, testSessionConfig())
	permissions := NewPermissionService(memory.NewMemoryAccessRepository(), f.hub, testPermissionConfig(), nil, logger.NewNop())
	t.Cleanup(permissions.Stop)
	dispatcher := NewChangeDispatcher(permissions, f.manager, nil, logger.NewNop())
	ctx := context.Background()

	alice := newFakePeer("c1", "alice", domain.LevelOwner)
	_, err := f.manager.Join(ctx, "doc-1", alice)
	require.NoError(t, err)

	// updates to a note row do not touch sessions
	dispatcher.Dispatch(ctx, domain.ChangeEvent{Table: domain.TableNotes, Operation: domain.OperationUpdate, DocumentID: "doc-1"})
	assert.Equal(t, 1, f.manager.Stats().Documents)

	dispatcher.Dispatch(ctx, domain.ChangeEvent{Table: domain.TableNotes, Operation: domain.OperationDelete, DocumentID: "doc-1"})
	assert.Equal(t, 0, f.manager.Stats().Documents)
	code, _ := alice.snapshot()
	assert.Equal(t, apperrors.CloseNotFound, code)
}

func TestChangeDispatcher_IgnoresMalformed(t *testing.T) {
	f := newSessionFixture(t, testSessionConfig())
	hub := NewRevocationHub()
	permissions := NewPermissionService(memory.NewMemoryAccessRepository(), hub, testPermissionConfig(), nil, logger.NewNop())
	t.Cleanup(permissions.Stop)
	dispatcher := NewChangeDispatcher(permissions, f.manager, nil, logger.NewNop())

	sub := hub.Subscribe("doc-1")
	defer sub.Close()

	for _, ev := range []domain.ChangeEvent{
		{Table: domain.TableAccess, Operation: domain.OperationUpdate, DocumentID: "doc-1"},
		{Table: domain.TableAccess, Operation: "TRUNCATE", DocumentID: "doc-1", UserID: "bob"},
		{Table: domain.TableAccess, Operation: domain.OperationUpdate, UserID: "bob"},
		{Table: domain.TableStates, Operation: domain.OperationUpdate, DocumentID: "doc-1"},
	} {
		dispatcher.Dispatch(context.Background(), ev)
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected revocation %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
