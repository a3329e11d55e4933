package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/maauso/mediaops-api/internal/media"
)

// Compile-time check that GormRepository implements Repository.
var _ Repository = (*GormRepository)(nil)

// record is the database row for an asset.
type record struct {
	ID              string `gorm:"primaryKey;size:64"`
	StoragePath     string `gorm:"not null"`
	OriginalName    string
	MimeHint        string `gorm:"size:128"`
	SizeBytes       int64
	DurationSeconds float64
	Metadata        *media.ProbeResult `gorm:"serializer:json"`
	Ephemeral       bool               `gorm:"index"`
	ProducedBy      string             `gorm:"size:64;index"`
	RemoteURL       string
	CreatedAt       time.Time `gorm:"index"`
}

func (record) TableName() string { return "media_assets" }

func toRecord(a *Asset) *record {
	return &record{
		ID:              a.ID,
		StoragePath:     a.StoragePath,
		OriginalName:    a.OriginalName,
		MimeHint:        a.MimeHint,
		SizeBytes:       a.SizeBytes,
		DurationSeconds: a.DurationSeconds,
		Metadata:        cloneProbe(a.Metadata),
		Ephemeral:       a.Ephemeral,
		ProducedBy:      a.ProducedBy,
		RemoteURL:       a.RemoteURL,
		CreatedAt:       a.CreatedAt,
	}
}

func (r *record) toAsset() *Asset {
	return &Asset{
		ID:              r.ID,
		StoragePath:     r.StoragePath,
		OriginalName:    r.OriginalName,
		MimeHint:        r.MimeHint,
		SizeBytes:       r.SizeBytes,
		DurationSeconds: r.DurationSeconds,
		Metadata:        r.Metadata,
		Ephemeral:       r.Ephemeral,
		ProducedBy:      r.ProducedBy,
		RemoteURL:       r.RemoteURL,
		CreatedAt:       r.CreatedAt,
	}
}

// GormRepository persists assets in a SQL database through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a GormRepository and migrates its table.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrate assets: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// Save upserts the asset.
func (r *GormRepository) Save(ctx context.Context, a *Asset) error {
	if err := r.db.WithContext(ctx).Save(toRecord(a)).Error; err != nil {
		return fmt.Errorf("save asset %s: %w", a.ID, err)
	}
	return nil
}

// FindByID loads an asset.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Asset, error) {
	var rec record
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find asset %s: %w", id, err)
	}
	return rec.toAsset(), nil
}

// List returns all assets ordered by creation time.
func (r *GormRepository) List(ctx context.Context) ([]*Asset, error) {
	var recs []record
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	result := make([]*Asset, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toAsset())
	}
	return result, nil
}

// Delete removes an asset record.
func (r *GormRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&record{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete asset %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAssetNotFound
	}
	return nil
}
