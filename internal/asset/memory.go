package asset

import (
	"context"
	"sort"
	"sync"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemoryRepository creates a new in-memory asset repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		assets: make(map[string]*Asset),
	}
}

// Save stores a clone of a.
func (r *MemoryRepository) Save(_ context.Context, a *Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.ID] = a.Clone()
	return nil
}

// FindByID returns a clone of the stored asset.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return a.Clone(), nil
}

// List returns clones of all assets ordered by creation time.
func (r *MemoryRepository) List(_ context.Context) ([]*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Asset, 0, len(r.assets))
	for _, a := range r.assets {
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Delete removes an asset record.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[id]; !ok {
		return ErrAssetNotFound
	}
	delete(r.assets, id)
	return nil
}
