package postgres

import (
	"context"
	"database/sql"
)

// Repositories bundles the repositories sharing one pool.
type Repositories struct {
	db        *sql.DB
	Access    *AccessRepository
	States    *StateRepository
	Documents *DocumentRepository
}

func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		db:        db,
		Access:    NewAccessRepository(db),
		States:    NewStateRepository(db),
		Documents: NewDocumentRepository(db),
	}
}

func (r *Repositories) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repositories) Close() error {
	return r.db.Close()
}
