package ports

import (
	"context"

	"notecollab/internal/core/domain"
)

// AccessRepository reads lab_note_access. GetAccess returns nil, nil when
// the user has no row for the document.
type AccessRepository interface {
	GetAccess(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) (*domain.DocumentAccessRecord, error)
}

// DocumentStateRepository persists the encoded CRDT state of a document.
// Load returns nil, nil when nothing has been saved yet. Save is an upsert.
type DocumentStateRepository interface {
	Load(ctx context.Context, documentID domain.DocumentID) ([]byte, error)
	Save(ctx context.Context, documentID domain.DocumentID, state []byte) error
	Delete(ctx context.Context, documentID domain.DocumentID) error
}

// DocumentRepository reads lab_notes. Metadata returns
// domain.ErrDocumentNotFound for unknown documents.
type DocumentRepository interface {
	Metadata(ctx context.Context, documentID domain.DocumentID) (*domain.DocumentMetadata, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
