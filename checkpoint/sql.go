package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SQLStore persists checkpoints in the relational database shared with the
// job queue, so a checkpoint and the job row it belongs to live in the
// same durability domain.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a store on an existing gorm handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, rec *Record) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context, jobID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence_no DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &rec, nil
}

// Discard implements Store.
func (s *SQLStore) Discard(ctx context.Context, jobID string) error {
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("discard checkpoints: %w", err)
	}
	return nil
}
