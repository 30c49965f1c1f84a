package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"notecollab/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to COLLAB_TEST_DATABASE_URL and creates the tables the
// repositories read when they are missing.
func openTestDB(t *testing.T) *Repositories {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("COLLAB_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COLLAB_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, url, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lab_notes (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS lab_note_access (
			document_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			permission_level TEXT NOT NULL,
			granted_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (document_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS lab_note_states (
			document_id TEXT PRIMARY KEY,
			state TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`)
	require.NoError(t, err)

	return NewRepositories(db)
}

func TestPostgres_StateUpsertAndDelete(t *testing.T) {
	repos := openTestDB(t)
	ctx := context.Background()
	id := domain.DocumentID("it-state-" + time.Now().Format("150405.000000"))

	state, err := repos.States.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, repos.States.Save(ctx, id, []byte("first")))
	require.NoError(t, repos.States.Save(ctx, id, []byte("second")))
	require.NoError(t, repos.States.Save(ctx, id, []byte("second")))

	state, err = repos.States.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), state)

	require.NoError(t, repos.States.Delete(ctx, id))
	state, err = repos.States.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPostgres_AccessAndDocuments(t *testing.T) {
	repos := openTestDB(t)
	ctx := context.Background()
	id := "it-note-" + time.Now().Format("150405.000000")

	_, err := repos.db.ExecContext(ctx, `INSERT INTO lab_notes (id, title, created_by) VALUES ($1, 'Assay', 'alice')`, id)
	require.NoError(t, err)
	_, err = repos.db.ExecContext(ctx, `INSERT INTO lab_note_access (document_id, user_id, permission_level, granted_by) VALUES ($1, 'bob', 'editor', 'alice')`, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = repos.db.ExecContext(context.Background(), `DELETE FROM lab_note_access WHERE document_id = $1`, id)
		_, _ = repos.db.ExecContext(context.Background(), `DELETE FROM lab_notes WHERE id = $1`, id)
	})

	meta, err := repos.Documents.Metadata(ctx, domain.DocumentID(id))
	require.NoError(t, err)
	assert.Equal(t, "Assay", meta.Title)
	assert.Equal(t, domain.UserID("alice"), meta.OwnerID)

	_, err = repos.Documents.Metadata(ctx, "it-missing")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	record, err := repos.Access.GetAccess(ctx, domain.DocumentID(id), "bob")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.LevelEditor, record.Level)
	assert.Equal(t, domain.UserID("alice"), record.GrantedBy)

	record, err = repos.Access.GetAccess(ctx, domain.DocumentID(id), "mallory")
	require.NoError(t, err)
	assert.Nil(t, record)
}
