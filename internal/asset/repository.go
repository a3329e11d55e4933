package asset

import (
	"context"
	"errors"
)

// ErrAssetNotFound is returned when an asset cannot be found by ID.
var ErrAssetNotFound = errors.New("asset not found")

// Repository defines the interface for asset persistence.
type Repository interface {
	// Save persists an asset, replacing any existing record with the same ID.
	Save(ctx context.Context, a *Asset) error

	// FindByID retrieves an asset by ID.
	// Returns ErrAssetNotFound if the asset does not exist.
	FindByID(ctx context.Context, id string) (*Asset, error)

	// List returns all assets, oldest first.
	List(ctx context.Context) ([]*Asset, error)

	// Delete removes an asset record.
	// Returns ErrAssetNotFound if the asset does not exist.
	Delete(ctx context.Context, id string) error
}
