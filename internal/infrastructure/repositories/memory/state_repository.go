package memory

import (
	"bytes"
	"context"
	"sync"

	"notecollab/internal/core/domain"
)

type MemoryStateRepository struct {
	states map[domain.DocumentID][]byte
	saves  int
	mu     sync.RWMutex
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{
		states: make(map[domain.DocumentID][]byte),
	}
}

func (r *MemoryStateRepository) Load(ctx context.Context, documentID domain.DocumentID) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.states[documentID]
	if !exists {
		return nil, nil
	}
	return bytes.Clone(state), nil
}

func (r *MemoryStateRepository) Save(ctx context.Context, documentID domain.DocumentID, state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[documentID] = bytes.Clone(state)
	r.saves++
	return nil
}

func (r *MemoryStateRepository) Delete(ctx context.Context, documentID domain.DocumentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.states, documentID)
	return nil
}

// SaveCount returns how many times Save has been called.
func (r *MemoryStateRepository) SaveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}
