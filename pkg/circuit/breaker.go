package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

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

// ErrOpen is returned while the breaker is cooling off after repeated
// failures against a downstream service.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker guards an outbound dependency (the ledger RPC node, the
// disbursement service). After MaxFailures consecutive counted failures the
// breaker opens for CoolOff; the first call after the cool-off probes the
// dependency and either closes the breaker or re-opens it.
type Breaker struct {
	name        string
	maxFailures int
	coolOff     time.Duration

	// Countable reports whether an error should trip the breaker. Local
	// validation failures and terminal business outcomes say nothing about
	// the dependency's health, so callers exclude them here.
	countable func(error) bool

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// Config holds circuit breaker configuration
type Config struct {
	Name        string
	MaxFailures int
	CoolOff     time.Duration
	Countable   func(error) bool
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolOff:     cfg.CoolOff,
		countable:   cfg.Countable,
	}
}

// Do runs fn under breaker protection. While open it fails fast with
// ErrOpen without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.coolOff {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeActive = true
		return nil
	case StateHalfOpen:
		// One probe at a time while half-open.
		if b.probeActive {
			return ErrOpen
		}
		b.probeActive = true
		return nil
	}
	return ErrOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeActive = false
	}

	if err != nil && (b.countable == nil || b.countable(err)) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.failures = 0
		}
		return
	}

	if err == nil {
		b.failures = 0
		b.state = StateClosed
	}
}

// State returns current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeActive = false
}
