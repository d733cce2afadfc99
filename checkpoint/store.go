// Package checkpoint persists periodic snapshots of in-flight execution
// state so a crashed job resumes from its last completed node instead of
// starting over. Records are append-only per job; the highest sequence
// number is authoritative.
package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Store errors.
var (
	// ErrNoCheckpoint means no checkpoint exists for the job.
	ErrNoCheckpoint = errors.New("checkpoint: none recorded")
	// ErrCorrupt means the stored state blob cannot be decoded. Fatal for
	// resume; the caller escalates rather than guessing.
	ErrCorrupt = errors.New("checkpoint: corrupt state")
)

// Record is one durable checkpoint.
type Record struct {
	ID         uint      `gorm:"primaryKey" json:"-" bson:"-"`
	JobID      string    `gorm:"index:idx_ckpt_job_seq,unique;size:36;not null" json:"job_id" bson:"job_id"`
	SequenceNo int       `gorm:"index:idx_ckpt_job_seq,unique;not null" json:"sequence_no" bson:"sequence_no"`
	StateBlob  []byte    `gorm:"type:blob" json:"state_blob" bson:"state_blob"`
	WrittenAt  time.Time `json:"written_at" bson:"written_at"`
}

// TableName keeps the table name stable regardless of gorm pluralization
// settings.
func (Record) TableName() string { return "checkpoints" }

// Store is the checkpoint persistence contract. Backends: in-memory
// (tests), the relational store, and a Mongo archive.
type Store interface {
	// Append writes a record. Sequence numbers are assigned by the
	// manager; duplicates are a caller bug the backend may reject.
	Append(ctx context.Context, rec *Record) error
	// Latest returns the record with the highest sequence number, or
	// ErrNoCheckpoint.
	Latest(ctx context.Context, jobID string) (*Record, error)
	// Discard drops all records for a job.
	Discard(ctx context.Context, jobID string) error
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	copied.StateBlob = append([]byte(nil), rec.StateBlob...)
	s.records[rec.JobID] = append(s.records[rec.JobID], &copied)
	return nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[jobID]
	if len(recs) == 0 {
		return nil, ErrNoCheckpoint
	}
	sorted := append([]*Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNo > sorted[j].SequenceNo })
	latest := *sorted[0]
	return &latest, nil
}

// Discard implements Store.
func (s *MemoryStore) Discard(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}
