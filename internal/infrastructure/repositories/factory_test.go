package repositories

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"notecollab/internal/core/domain"
	"notecollab/pkg/config"
	"notecollab/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_MemoryWithSeed(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
documents:
  - id: doc-1
    title: PCR protocol
    owner_id: alice
    access:
      - user_id: bob
        level: viewer
`), 0o600))

	cfg := config.DefaultConfig()
	cfg.Storage.SeedFile = seed

	store, err := NewStore(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, config.StorageMemory, store.Kind)
	assert.NoError(t, store.Ping(context.Background()))

	meta, err := store.Documents.Metadata(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentID("doc-1"), meta.ID)

	record, err := store.Access.GetAccess(context.Background(), "doc-1", "bob")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.LevelViewer, record.Level)
}

func TestNewStore_MemoryRefusedInProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Environment = config.EnvironmentProduction

	_, err := NewStore(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestNewStore_UnknownType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "sqlite"

	_, err := NewStore(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}
