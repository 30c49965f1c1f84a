package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"notecollab/internal/core/ports"
	"notecollab/internal/infrastructure/repositories/memory"
	"notecollab/internal/infrastructure/repositories/postgres"
	"notecollab/pkg/config"

	"go.uber.org/zap"
)

// Store is the set of repositories the services run on.
type Store struct {
	Kind      string
	Access    ports.AccessRepository
	States    ports.DocumentStateRepository
	Documents ports.DocumentRepository

	// DB is set for the postgres store.
	DB *sql.DB

	pinger ports.Pinger
	close  func() error
}

// NewStore builds the store selected by storage.type. The memory store is
// refused in production.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Store, error) {
	switch cfg.Storage.Type {
	case config.StoragePostgres:
		db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		repos := postgres.NewRepositories(db)
		logger.Info("Using postgres repositories")
		return &Store{
			Kind:      config.StoragePostgres,
			Access:    repos.Access,
			States:    repos.States,
			Documents: repos.Documents,
			DB:        db,
			pinger:    repos,
			close:     repos.Close,
		}, nil

	case config.StorageMemory:
		if cfg.IsProduction() {
			return nil, fmt.Errorf("memory storage is not allowed in production")
		}
		access := memory.NewMemoryAccessRepository()
		documents := memory.NewMemoryDocumentRepository()
		if cfg.Storage.SeedFile != "" {
			n, err := memory.LoadSeed(cfg.Storage.SeedFile, documents, access)
			if err != nil {
				return nil, err
			}
			logger.Infow("Seeded memory store", "file", cfg.Storage.SeedFile, "documents", n)
		}
		logger.Warn("Using memory repositories; state is lost on restart")
		return &Store{
			Kind:      config.StorageMemory,
			Access:    access,
			States:    memory.NewMemoryStateRepository(),
			Documents: documents,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// Ping checks the backing database. The memory store is always healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
