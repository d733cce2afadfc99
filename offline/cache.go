// Package offline gives a worker a local durable cache so execution
// survives losing the coordinator. Claimed jobs, their status changes, and
// checkpoint blobs land in a worker-local SQLite file; when connectivity
// returns, the pending records are drained back to the coordinator in
// order.
package offline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrJobNotCached is returned when a job is not in the local cache.
var ErrJobNotCached = errors.New("offline: job not cached")

// CachedJob is a locally persisted job plus its latest local outcome.
type CachedJob struct {
	JobID          string         `gorm:"primaryKey;size:36" json:"job_id"`
	WorkflowRef    string         `gorm:"size:255;not null" json:"workflow_ref"`
	Payload        map[string]any `gorm:"serializer:json" json:"payload"`
	Attempt        int            `json:"attempt"`
	Status         string         `gorm:"size:32;index;not null" json:"status"`
	Result         map[string]any `gorm:"serializer:json" json:"result,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	CheckpointBlob []byte         `gorm:"type:blob" json:"-"`
	Synced         bool           `gorm:"index;default:false" json:"synced"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName keeps the table name stable.
func (CachedJob) TableName() string { return "cached_jobs" }

// Cache is the worker-local store. Safe for concurrent use.
type Cache struct {
	db     *gorm.DB
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the cache file. A file that fails to open or
// migrate is treated as corrupt: it is moved aside and replaced with an
// empty cache, with a warning. Locally cached results in a corrupt file
// are lost; the coordinator's lease expiry requeues those jobs.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "offline_cache"))

	db, err := openAndMigrate(path)
	if err != nil {
		logger.Warn("local cache unreadable, starting empty",
			zap.String("path", path), zap.Error(err))
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil && !os.IsNotExist(renameErr) {
			return nil, fmt.Errorf("move corrupt cache aside: %w", renameErr)
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("recreate local cache: %w", err)
		}
	}

	return &Cache{db: db, path: path, logger: logger}, nil
}

func openAndMigrate(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	if err := db.AutoMigrate(&CachedJob{}); err != nil {
		return nil, fmt.Errorf("migrate local cache: %w", err)
	}
	return db, nil
}

// CacheJob stores a claimed job locally before execution starts. Idempotent
// per job.
func (c *Cache) CacheJob(ctx context.Context, job *CachedJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.Synced = false
	err := c.db.WithContext(ctx).Save(job).Error
	if err != nil {
		return fmt.Errorf("cache job: %w", err)
	}
	return nil
}

// UpdateStatus records a local status transition with its outcome.
func (c *Cache) UpdateStatus(ctx context.Context, jobID, status string, result map[string]any, lastError string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := map[string]any{
		"status":     status,
		"last_error": lastError,
		"synced":     false,
		"updated_at": time.Now().UTC(),
	}
	if result != nil {
		updates["result"] = result
	}
	res := c.db.WithContext(ctx).Model(&CachedJob{}).Where("job_id = ?", jobID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update cached status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotCached
	}
	return nil
}

// RecordCheckpoint overwrites the locally cached checkpoint blob. Only the
// latest local checkpoint matters; replay on reconnect uploads one blob.
func (c *Cache) RecordCheckpoint(ctx context.Context, jobID string, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.db.WithContext(ctx).Model(&CachedJob{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"checkpoint_blob": blob,
		"synced":          false,
		"updated_at":      time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("record cached checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotCached
	}
	return nil
}

// MarkSynced flags a record as delivered to the coordinator so the drain
// skips it and the purge may collect it.
func (c *Cache) MarkSynced(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.db.WithContext(ctx).Model(&CachedJob{}).Where("job_id = ?", jobID).Update("synced", true)
	if res.Error != nil {
		return fmt.Errorf("mark cached job synced: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotCached
	}
	return nil
}

// Get returns one cached job.
func (c *Cache) Get(ctx context.Context, jobID string) (*CachedJob, error) {
	var job CachedJob
	err := c.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("load cached job: %w", err)
	}
	return &job, nil
}

// DrainPending replays unsynced records to the coordinator in creation
// order. apply returning nil marks the record synced; the first error
// stops the drain so ordering is preserved on retry. Returns how many
// records were synced.
func (c *Cache) DrainPending(ctx context.Context, apply func(context.Context, *CachedJob) error) (int, error) {
	var pending []CachedJob
	err := c.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("list pending records: %w", err)
	}

	drained := 0
	for i := range pending {
		job := &pending[i]
		if err := apply(ctx, job); err != nil {
			return drained, fmt.Errorf("replay job %s: %w", job.JobID, err)
		}
		c.mu.Lock()
		markErr := c.db.WithContext(ctx).Model(&CachedJob{}).
			Where("job_id = ?", job.JobID).
			Update("synced", true).Error
		c.mu.Unlock()
		if markErr != nil {
			return drained, fmt.Errorf("mark job %s synced: %w", job.JobID, markErr)
		}
		drained++
	}
	if drained > 0 {
		c.logger.Info("local cache drained", zap.Int("records", drained))
	}
	return drained, nil
}

// PurgeCompleted removes synced terminal records older than the cutoff, so
// the local file does not grow without bound.
func (c *Cache) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	res := c.db.WithContext(ctx).
		Where("synced = ? AND status IN ? AND updated_at < ?", true, []string{"completed", "failed"}, cutoff).
		Delete(&CachedJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge cached jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
