// Package resilience guards the pipeline's external collaborators (the
// platform codec, the capture device) with an error breaker.
//
// A [Breaker] counts consecutive failures of the calls it wraps. Once the
// count reaches the configured limit it trips open and rejects further calls
// with [ErrOpen] until a cooldown elapses; a few probe calls then decide
// whether it closes again. Errors the caller classifies as transient (for
// example "try again later" from a codec) never count.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateProbing lets a limited number of calls through after the cooldown.
	StateProbing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that trip the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Zero keeps it open until
	// [Breaker.Reset]; a streaming session treats a tripped codec as fatal.
	Cooldown time.Duration

	// Probes is the number of successful probe calls needed to close again.
	// Default: 1.
	Probes int

	// Transient reports errors that pass through without counting as
	// failures or successes. Optional.
	Transient func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	// Optional.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure breaker.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	trips    int
	lastErr  error
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open and records the outcome. It returns
// fn's error, or [ErrOpen] when fn was not called.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.cfg.Cooldown <= 0 || time.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.setLocked(StateProbing)
		b.probes = 0
	}
	b.mu.Unlock()

	err := fn()
	if err != nil && b.cfg.Transient != nil && b.cfg.Transient(err) {
		return err
	}

	b.mu.Lock()
	var from, to State
	changed := false
	if err != nil {
		from, to, changed = b.failLocked(err)
	} else {
		from, to, changed = b.succeedLocked()
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return err
}

// failLocked records a failure. Must be called with b.mu held.
func (b *Breaker) failLocked(err error) (State, State, bool) {
	b.lastErr = err
	b.failures++
	from := b.state
	if from == StateProbing || b.failures >= b.cfg.MaxFailures {
		b.setLocked(StateOpen)
		b.openedAt = time.Now()
		b.trips++
		slog.Warn("resilience: breaker tripped", "name", b.cfg.Name, "consecutive_failures", b.failures, "err", err)
		return from, StateOpen, true
	}
	return from, from, false
}

// succeedLocked records a success. Must be called with b.mu held.
func (b *Breaker) succeedLocked() (State, State, bool) {
	b.failures = 0
	if b.state != StateProbing {
		return b.state, b.state, false
	}
	b.probes++
	if b.probes < b.cfg.Probes {
		return StateProbing, StateProbing, false
	}
	b.setLocked(StateClosed)
	slog.Info("resilience: breaker closed", "name", b.cfg.Name)
	return StateProbing, StateClosed, true
}

func (b *Breaker) setLocked(s State) { b.state = s }

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateProbing]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Cooldown > 0 && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateProbing
	}
	return b.state
}

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// LastError returns the failure that was recorded most recently.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.lastErr = nil
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
