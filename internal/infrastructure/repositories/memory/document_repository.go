package memory

import (
	"context"
	"sync"
	"time"

	"notecollab/internal/core/domain"
)

type MemoryDocumentRepository struct {
	documents map[domain.DocumentID]domain.DocumentMetadata
	mu        sync.RWMutex
}

func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{
		documents: make(map[domain.DocumentID]domain.DocumentMetadata),
	}
}

func (r *MemoryDocumentRepository) Metadata(ctx context.Context, documentID domain.DocumentID) (*domain.DocumentMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, exists := r.documents[documentID]
	if !exists {
		return nil, domain.ErrDocumentNotFound
	}
	return &meta, nil
}

// Put registers a document.
func (r *MemoryDocumentRepository) Put(meta domain.DocumentMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	r.documents[meta.ID] = meta
}

// Remove forgets a document.
func (r *MemoryDocumentRepository) Remove(documentID domain.DocumentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.documents, documentID)
}
