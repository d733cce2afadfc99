// Package breaker implements a per-endpoint circuit breaker. Every outbound
// call the engine or coordinator makes goes through a breaker so repeated
// failures against one dependency cannot starve unrelated work.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected without a network
// attempt because the endpoint's circuit is open.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state machine position.
type State int

const (
	// StateClosed lets calls pass through.
	StateClosed State = iota
	// StateOpen fails calls fast without a network attempt.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker instance.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// FailureWindow is the rolling window the failure count lives in: a
	// failure arriving more than a window after the previous one restarts
	// the streak. Zero never ages the streak out.
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`
	// CoolDown is how long the circuit stays open before admitting probes.
	CoolDown time.Duration `yaml:"cool_down" json:"cool_down"`
	// HalfOpenMaxProbes bounds concurrent probes while half-open.
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold is the consecutive probe successes required to close
	// again.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// CallTimeout bounds each wrapped call. Zero disables the per-call
	// timeout.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		CoolDown:          30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  2,
		CallTimeout:       30 * time.Second,
	}
}

// Breaker is the failure-isolation state machine for one remote endpoint.
type Breaker struct {
	endpoint string
	config   Config
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	openedAt    time.Time
	lastFailure time.Time
}

// New creates a breaker for an endpoint, starting closed.
func New(endpoint string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		endpoint: endpoint,
		config:   config,
		state:    StateClosed,
		logger:   logger.With(zap.String("component", "breaker"), zap.String("endpoint", endpoint)),
	}
}

// Allow reports whether a call may proceed right now, transitioning
// Open -> HalfOpen once the cool-down has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.CoolDown {
			b.transition(StateHalfOpen, "cool-down elapsed")
			b.probes = 1
			b.successes = 0
			return nil
		}
		return fmt.Errorf("%w: endpoint %s, %d consecutive failures, retry in %s",
			ErrCircuitOpen, b.endpoint, b.failures,
			(b.config.CoolDown - time.Since(b.openedAt)).Round(time.Millisecond))
	case StateHalfOpen:
		if b.probes < b.config.HalfOpenMaxProbes {
			b.probes++
			return nil
		}
		return fmt.Errorf("%w: endpoint %s half-open, probe in flight", ErrCircuitOpen, b.endpoint)
	default:
		return fmt.Errorf("%w: endpoint %s in unknown state", ErrCircuitOpen, b.endpoint)
	}
}

// RecordSuccess feeds a call success into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		// The probe finished; free its slot for the next one.
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed, fmt.Sprintf("%d probe successes", b.successes))
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// RecordFailure feeds a call failure into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed && b.config.FailureWindow > 0 &&
		!b.lastFailure.IsZero() && time.Since(b.lastFailure) > b.config.FailureWindow {
		// The previous streak went stale; this failure starts a new one.
		b.failures = 0
	}
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open(fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		b.successes = 0
		b.open("probe failed")
	}
}

// Do wraps fn with the breaker: rejected fast when open, recorded on
// completion. A rejection carries ErrCircuitOpen and involves no network
// attempt.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CurrentState returns the state machine position.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

// open must be called with the lock held.
func (b *Breaker) open(reason string) {
	b.openedAt = time.Now()
	b.transition(StateOpen, reason)
}

// transition must be called with the lock held.
func (b *Breaker) transition(next State, reason string) {
	prev := b.state
	b.state = next
	b.logger.Info("breaker state change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
}
