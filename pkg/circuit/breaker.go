// Package circuit guards flaky field channels (SCADA command links,
// telemetry bridges) so transient faults retry locally while a dead
// channel fails fast until its cool-down elapses.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen means the channel is in cool-down after repeated failures.
	ErrOpen = errors.New("channel breaker is open")
	// ErrProbeLimit means the half-open probe budget is exhausted.
	ErrProbeLimit = errors.New("too many probes while half-open")
)

// Config holds breaker thresholds.
type Config struct {
	Name          string
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // cool-down before probing again
	HalfOpenMax   int           // successful probes required to close
	OnStateChange func(from, to State)
}

// Breaker is a mutex-guarded circuit breaker. Command dispatch is low-rate
// (gate movements, not trades), so a single lock is simpler than the
// lock-free dance and easy to reason about.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	probeWins   int
	lastFailure time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.Timeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return nil
	default: // half-open
		if b.probes >= b.cfg.HalfOpenMax {
			return ErrProbeLimit
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeWins++
		if b.probeWins >= b.cfg.HalfOpenMax {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.probes = 0
	b.probeWins = 0
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, e.g. after a confirmed field repair.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
