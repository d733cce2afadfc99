package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically returns expired leases to the queue. Run one per
// coordinator process; the release update is conditional, so overlapping
// sweepers are harmless.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper with the queue's configured interval.
func NewSweeper(q *Queue, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := q.config.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		queue:    q,
		interval: interval,
		logger:   logger.With(zap.String("component", "lease_sweeper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context ends.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
				if _, err := s.queue.ReleaseExpired(sweepCtx); err != nil {
					s.logger.Error("lease sweep failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
