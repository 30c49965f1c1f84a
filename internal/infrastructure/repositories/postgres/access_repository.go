package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notecollab/internal/core/domain"
	"notecollab/pkg/tracing"
)

type AccessRepository struct {
	db *sql.DB
}

func NewAccessRepository(db *sql.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

func (r *AccessRepository) GetAccess(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) (*domain.DocumentAccessRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", domain.TableAccess)
	defer span.End()

	var (
		level     string
		grantedBy sql.NullString
		record    = domain.DocumentAccessRecord{DocumentID: documentID, UserID: userID}
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT permission_level, granted_by, created_at, updated_at
		FROM lab_note_access
		WHERE document_id = $1 AND user_id = $2`,
		string(documentID), string(userID),
	).Scan(&level, &grantedBy, &record.GrantedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("select access: %w", err)
	}

	record.Level, err = domain.ParsePermissionLevel(level)
	if err != nil {
		return nil, err
	}
	record.GrantedBy = domain.UserID(grantedBy.String)
	return &record, nil
}
