package audio

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrFocusDenied is returned by [FocusArbiter.Acquire] when the arbiter is
// locked against new holders.
var ErrFocusDenied = errors.New("audio: focus denied")

// Focus grants exclusive use of the local playback path.
type Focus interface {
	// Acquire requests focus for owner. onLoss is called at most once, from
	// another goroutine, when focus is taken away.
	Acquire(owner string, onLoss func()) error

	// Release gives focus back. Releasing focus that owner does not hold is a
	// no-op.
	Release(owner string)
}

// FocusArbiter is an in-process [Focus] implementation. A new holder revokes
// the current one. It is safe for concurrent use.
type FocusArbiter struct {
	mu     sync.Mutex
	owner  string
	onLoss func()
	locked bool
}

// NewFocusArbiter returns an arbiter with no holder.
func NewFocusArbiter() *FocusArbiter {
	return &FocusArbiter{}
}

// Acquire implements [Focus].
func (a *FocusArbiter) Acquire(owner string, onLoss func()) error {
	a.mu.Lock()
	if a.locked {
		a.mu.Unlock()
		return ErrFocusDenied
	}
	prev, prevLoss := a.owner, a.onLoss
	a.owner, a.onLoss = owner, onLoss
	a.mu.Unlock()

	if prev != "" && prev != owner && prevLoss != nil {
		slog.Info("audio focus: revoked", "from", prev, "to", owner)
		go prevLoss()
	}
	return nil
}

// Release implements [Focus].
func (a *FocusArbiter) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == owner {
		a.owner, a.onLoss = "", nil
	}
}

// Holder returns the current owner, or "" when focus is free.
func (a *FocusArbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Lock makes subsequent Acquire calls fail with [ErrFocusDenied], as a
// system-wide exclusive user would.
func (a *FocusArbiter) Lock() {
	a.mu.Lock()
	a.locked = true
	a.mu.Unlock()
}

// Unlock reverses Lock.
func (a *FocusArbiter) Unlock() {
	a.mu.Lock()
	a.locked = false
	a.mu.Unlock()
}

// Revoke takes focus away from the current holder, invoking its loss
// callback. It models a transient loss raised by another application.
func (a *FocusArbiter) Revoke() {
	a.mu.Lock()
	owner, onLoss := a.owner, a.onLoss
	a.owner, a.onLoss = "", nil
	a.mu.Unlock()
	if owner != "" && onLoss != nil {
		slog.Info("audio focus: lost", "owner", owner)
		go onLoss()
	}
}
