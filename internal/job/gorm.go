package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/storage"
)

// Compile-time check that GormRepository implements Repository.
var _ Repository = (*GormRepository)(nil)

// record is the database row for a job.
type record struct {
	ID          string                `gorm:"primaryKey;size:64"`
	Operation   operation.Operation   `gorm:"serializer:json"`
	Kind        string                `gorm:"size:32;index"`
	Inputs      []string              `gorm:"serializer:json"`
	Destination string                `gorm:"size:16"`
	Then        []operation.Operation `gorm:"serializer:json"`
	ParentID    string                `gorm:"size:64"`
	NextID      string                `gorm:"size:64"`
	State       string                `gorm:"size:16;index"`
	Outputs     []Output              `gorm:"serializer:json"`
	Timestamps  []float64             `gorm:"serializer:json"`
	Metadata    *media.ProbeResult    `gorm:"serializer:json"`
	Error       *Error                `gorm:"serializer:json"`
	CreatedAt   time.Time             `gorm:"index"`
	UpdatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (record) TableName() string { return "jobs" }

func toRecord(j *Job) *record {
	c := j.Clone()
	return &record{
		ID:          c.ID,
		Operation:   c.Operation,
		Kind:        string(c.Operation.Kind),
		Inputs:      c.Inputs,
		Destination: string(c.Destination),
		Then:        c.Then,
		ParentID:    c.ParentID,
		NextID:      c.NextID,
		State:       string(c.State),
		Outputs:     c.Outputs,
		Timestamps:  c.Timestamps,
		Metadata:    c.Metadata,
		Error:       c.Error,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
	}
}

func (r *record) toJob() *Job {
	return &Job{
		ID:          r.ID,
		Operation:   r.Operation,
		Inputs:      r.Inputs,
		Destination: storage.Destination(r.Destination),
		Then:        r.Then,
		ParentID:    r.ParentID,
		NextID:      r.NextID,
		State:       State(r.State),
		Outputs:     r.Outputs,
		Timestamps:  r.Timestamps,
		Metadata:    r.Metadata,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

// GormRepository persists jobs in a SQL database through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a GormRepository and migrates its table.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// Save upserts a snapshot of the job.
func (r *GormRepository) Save(ctx context.Context, j *Job) error {
	rec := toRecord(j)
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

// FindByID loads a job.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	var rec record
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return rec.toJob(), nil
}

// List returns all jobs ordered by creation time.
func (r *GormRepository) List(ctx context.Context) ([]*Job, error) {
	var recs []record
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	result := make([]*Job, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toJob())
	}
	return result, nil
}

// Delete removes a job.
func (r *GormRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&record{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
