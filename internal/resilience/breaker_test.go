package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errBoom  = errors.New("boom")
	errAgain = errors.New("again")
)

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", b.cfg.MaxFailures)
	}
	if b.cfg.Probes != 1 {
		t.Errorf("Probes = %d, want 1", b.cfg.Probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "codec", MaxFailures: 3})

	for range 3 {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Do = %v, want errBoom", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("Do on open breaker = %v (called=%v), want ErrOpen without call", err, called)
	}
	if b.Trips() != 1 {
		t.Errorf("Trips = %d, want 1", b.Trips())
	}
	if !errors.Is(b.LastError(), errBoom) {
		t.Errorf("LastError = %v, want errBoom", b.LastError())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3})
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_TransientErrorsDoNotCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxFailures: 2,
		Transient:   func(err error) bool { return errors.Is(err, errAgain) },
	})
	b.Do(func() error { return errBoom })
	for range 10 {
		if err := b.Do(func() error { return errAgain }); !errors.Is(err, errAgain) {
			t.Fatalf("Do = %v, want errAgain", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	b.Do(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreaker_ZeroCooldownStaysOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1})
	b.Do(func() error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	b.Reset()
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}

func TestBreaker_ProbeCloses(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	b := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		Cooldown:    10 * time.Millisecond,
		Probes:      2,
		OnStateChange: func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	b.Do(func() error { return errBoom })
	time.Sleep(15 * time.Millisecond)
	if b.State() != StateProbing {
		t.Fatalf("state = %v, want probing", b.State())
	}
	b.Do(func() error { return nil })
	if b.State() != StateProbing {
		t.Fatalf("state after one probe = %v, want probing", b.State())
	}
	b.Do(func() error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3, Cooldown: 10 * time.Millisecond})
	for range 3 {
		b.Do(func() error { return errBoom })
	}
	time.Sleep(15 * time.Millisecond)
	b.Do(func() error { return errBoom })

	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open", s)
	}
	if b.Trips() != 2 {
		t.Errorf("Trips = %d, want 2", b.Trips())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateProbing, "probing"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
