package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/workflow"
)

// Config tunes checkpoint cadence.
type Config struct {
	// Backend selects the store: memory, sql, or mongo.
	Backend string `yaml:"backend" json:"backend"`
	// MinInterval is the minimum time between saves for one job. Saves
	// inside the window are skipped; a skipped save only widens the
	// replay window, it never loses completed work.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	// MongoURI and MongoDatabase apply when Backend is mongo.
	MongoURI      string `yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" json:"mongo_database"`
}

// DefaultConfig returns the default cadence.
func DefaultConfig() Config {
	return Config{
		Backend:     "sql",
		MinInterval: 2 * time.Second,
	}
}

// Manager assigns sequence numbers, throttles save cadence, and decodes
// state on resume. One manager serves all jobs on a worker.
type Manager struct {
	store  Store
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	lastSave map[string]time.Time
	nextSeq  map[string]int
}

// NewManager creates a manager over a store.
func NewManager(store Store, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		config:   config,
		logger:   logger.With(zap.String("component", "checkpoint")),
		lastSave: make(map[string]time.Time),
		nextSeq:  make(map[string]int),
	}
}

// Save persists a state snapshot for a job, subject to the cadence window.
// Returns false when the save was skipped by cadence.
func (m *Manager) Save(ctx context.Context, jobID string, state *workflow.State) (bool, error) {
	m.mu.Lock()
	if last, ok := m.lastSave[jobID]; ok && m.config.MinInterval > 0 && time.Since(last) < m.config.MinInterval {
		m.mu.Unlock()
		return false, nil
	}
	m.lastSave[jobID] = time.Now()
	m.mu.Unlock()
	if err := m.Flush(ctx, jobID, state); err != nil {
		return false, err
	}
	return true, nil
}

// Flush persists a snapshot immediately, bypassing cadence. Used for the
// final state before a worker drains or a job completes a critical node.
func (m *Manager) Flush(ctx context.Context, jobID string, state *workflow.State) error {
	blob, err := state.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	seq, err := m.sequence(ctx, jobID)
	if err != nil {
		return err
	}
	rec := &Record{
		JobID:      jobID,
		SequenceNo: seq,
		StateBlob:  blob,
		WrittenAt:  time.Now().UTC(),
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return err
	}
	m.logger.Debug("checkpoint saved",
		zap.String("job_id", jobID),
		zap.Int("sequence_no", seq),
		zap.Int("bytes", len(blob)))
	return nil
}

// LoadLatest returns the most recent state for a job, ErrNoCheckpoint when
// none exists, or ErrCorrupt when the blob does not decode. A corrupt
// checkpoint is unrecoverable: the caller escalates the job rather than
// resuming from a guess.
func (m *Manager) LoadLatest(ctx context.Context, jobID string) (*workflow.State, error) {
	rec, err := m.store.Latest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	state, err := workflow.DecodeState(rec.StateBlob)
	if err != nil {
		m.logger.Error("checkpoint blob does not decode",
			zap.String("job_id", jobID),
			zap.Int("sequence_no", rec.SequenceNo),
			zap.Error(err))
		return nil, fmt.Errorf("%w: job %s seq %d: %v", ErrCorrupt, jobID, rec.SequenceNo, err)
	}

	m.mu.Lock()
	m.nextSeq[jobID] = rec.SequenceNo + 1
	m.mu.Unlock()
	return state, nil
}

// Discard drops all checkpoints for a job. Called after terminal success
// so completed jobs do not accumulate blobs.
func (m *Manager) Discard(ctx context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.lastSave, jobID)
	delete(m.nextSeq, jobID)
	m.mu.Unlock()
	return m.store.Discard(ctx, jobID)
}

func (m *Manager) sequence(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	if seq, ok := m.nextSeq[jobID]; ok {
		m.nextSeq[jobID] = seq + 1
		m.mu.Unlock()
		return seq, nil
	}
	m.mu.Unlock()

	// First save this process has seen for the job; resynchronize with
	// the store so sequence numbers stay monotonic across restarts.
	rec, err := m.store.Latest(ctx, jobID)
	next := 1
	switch {
	case err == nil:
		next = rec.SequenceNo + 1
	case err == ErrNoCheckpoint:
	default:
		return 0, err
	}

	m.mu.Lock()
	m.nextSeq[jobID] = next + 1
	m.mu.Unlock()
	return next, nil
}

// jobSink binds a manager to one job so the execution engine can push
// snapshots without knowing about jobs.
type jobSink struct {
	manager *Manager
	jobID   string
}

// SinkFor returns a workflow.CheckpointSink scoped to one job.
func (m *Manager) SinkFor(jobID string) workflow.CheckpointSink {
	return &jobSink{manager: m, jobID: jobID}
}

// Save implements workflow.CheckpointSink.
func (s *jobSink) Save(ctx context.Context, state *workflow.State) error {
	_, err := s.manager.Save(ctx, s.jobID, state)
	return err
}
