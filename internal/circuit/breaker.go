// Package circuit provides a failure-counting circuit breaker that stops
// outbound calls to a failing remote until a cool-down elapses.
package circuit

import (
	"sync"
	"time"

	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
)

// Defaults used when Config fields are zero.
const (
	DefaultThreshold    = 5
	DefaultResetTimeout = 60 * time.Second
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = apperrors.New(apperrors.ErrCircuitOpen, "circuit breaker is open")

// Phase is the externally visible breaker state.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// State is a snapshot of the breaker.
type State struct {
	Phase         Phase      `json:"phase"`
	FailureCount  uint32     `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	IsOpen        bool       `json:"is_open"`
	ProbeInFlight bool       `json:"probe_in_flight"`
}

// Config tunes the breaker.
type Config struct {
	Threshold    uint32
	ResetTimeout time.Duration
	// Now overrides time.Now in tests.
	Now func() time.Time
	// OnStateChange is called outside the lock after the open flag changes.
	OnStateChange func(open bool)
}

// Breaker opens after Threshold consecutive failures and, once ResetTimeout
// has passed since the last failure, lets a single probe call through. The
// probe's outcome closes or re-opens it.
type Breaker struct {
	threshold    uint32
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(open bool)

	mu            sync.Mutex
	failures      uint32
	lastFailureAt time.Time
	open          bool
	probeInFlight bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		now:          cfg.Now,
		onChange:     cfg.OnStateChange,
	}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the reset timeout has elapsed, then admits exactly one probe; further
// callers are rejected until that probe reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Sub(b.lastFailureAt) < b.resetTimeout || b.probeInFlight {
		return ErrOpen
	}
	b.probeInFlight = true
	return nil
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := b.open
	b.failures = 0
	b.open = false
	b.probeInFlight = false
	b.mu.Unlock()

	if wasOpen {
		b.notify(false)
	}
}

// RecordFailure counts a failure; reaching the threshold, or failing the
// half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	wasOpen := b.open
	b.failures++
	b.lastFailureAt = b.now()
	if b.failures >= b.threshold || b.probeInFlight {
		b.open = true
	}
	b.probeInFlight = false
	opened := !wasOpen && b.open
	b.mu.Unlock()

	if opened {
		b.notify(true)
	}
}

// Release gives back a half-open probe slot without an outcome, e.g. when
// the caller was cancelled before reaching the remote.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.open
	b.failures = 0
	b.lastFailureAt = time.Time{}
	b.open = false
	b.probeInFlight = false
	b.mu.Unlock()

	if wasOpen {
		b.notify(false)
	}
}

// State returns a snapshot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{
		Phase:         PhaseClosed,
		FailureCount:  b.failures,
		IsOpen:        b.open,
		ProbeInFlight: b.probeInFlight,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if b.open {
		s.Phase = PhaseOpen
		if b.probeInFlight || b.now().Sub(b.lastFailureAt) >= b.resetTimeout {
			s.Phase = PhaseHalfOpen
		}
	}
	return s
}

func (b *Breaker) notify(open bool) {
	if b.onChange != nil {
		b.onChange(open)
	}
}
