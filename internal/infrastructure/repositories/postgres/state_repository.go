package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notecollab/internal/core/domain"
	"notecollab/pkg/tracing"
)

type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

func (r *StateRepository) Load(ctx context.Context, documentID domain.DocumentID) ([]byte, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", domain.TableStates)
	defer span.End()

	var column sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM lab_note_states WHERE document_id = $1`,
		string(documentID),
	).Scan(&column)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !column.Valid) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("select state: %w", err)
	}
	return decodeState(column.String)
}

// Save replaces the stored state in a single statement.
func (r *StateRepository) Save(ctx context.Context, documentID domain.DocumentID, state []byte) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "upsert", domain.TableStates)
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lab_note_states (document_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		string(documentID), encodeState(state),
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (r *StateRepository) Delete(ctx context.Context, documentID domain.DocumentID) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "delete", domain.TableStates)
	defer span.End()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM lab_note_states WHERE document_id = $1`, string(documentID)); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
