package memory

import (
	"context"
	"sync"
	"time"

	"notecollab/internal/core/domain"
)

type accessKey struct {
	documentID domain.DocumentID
	userID     domain.UserID
}

type MemoryAccessRepository struct {
	records map[accessKey]domain.DocumentAccessRecord
	mu      sync.RWMutex
}

func NewMemoryAccessRepository() *MemoryAccessRepository {
	return &MemoryAccessRepository{
		records: make(map[accessKey]domain.DocumentAccessRecord),
	}
}

func (r *MemoryAccessRepository) GetAccess(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) (*domain.DocumentAccessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[accessKey{documentID, userID}]
	if !exists {
		return nil, nil
	}
	return &record, nil
}

// Grant inserts or updates the user's level and returns the previous one.
func (r *MemoryAccessRepository) Grant(documentID domain.DocumentID, userID domain.UserID, level domain.PermissionLevel) domain.PermissionLevel {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := accessKey{documentID, userID}
	now := time.Now()
	previous, exists := r.records[key]
	record := domain.DocumentAccessRecord{
		DocumentID: documentID,
		UserID:     userID,
		Level:      level,
		GrantedAt:  now,
		UpdatedAt:  now,
	}
	if exists {
		record.GrantedAt = previous.GrantedAt
		record.GrantedBy = previous.GrantedBy
	}
	r.records[key] = record
	return previous.Level
}

// Revoke removes the user's row and returns the level it held.
func (r *MemoryAccessRepository) Revoke(documentID domain.DocumentID, userID domain.UserID) domain.PermissionLevel {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := accessKey{documentID, userID}
	previous := r.records[key]
	delete(r.records, key)
	return previous.Level
}
