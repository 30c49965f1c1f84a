package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notecollab/internal/core/domain"
	"notecollab/pkg/tracing"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Metadata(ctx context.Context, documentID domain.DocumentID) (*domain.DocumentMetadata, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", domain.TableNotes)
	defer span.End()

	var (
		title sql.NullString
		owner sql.NullString
		meta  = domain.DocumentMetadata{ID: documentID}
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT title, created_by, created_at, updated_at
		FROM lab_notes WHERE id = $1`,
		string(documentID),
	).Scan(&title, &owner, &meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("select note: %w", err)
	}
	meta.Title = title.String
	meta.OwnerID = domain.UserID(owner.String)
	return &meta, nil
}
