// Package capture owns the audio source of a session and turns its frame
// callbacks into the PCM stream of the first tee.
//
// The source callback may run on a realtime audio thread, so it only does a
// non-blocking copy into the producer pipe and bumps counters. When the pipe
// is full the whole callback buffer is dropped and counted as an overrun.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vinylcast/internal/observe"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/pipe"
	"github.com/MrWong99/vinylcast/pkg/tee"
)

// ErrState is returned when an operation is called in the wrong state.
var ErrState = errors.New("capture: invalid state")

// DefaultStopTimeout bounds how long Stop waits for the tee to drain.
const DefaultStopTimeout = 2 * time.Second

// State is the lifecycle state of a [Stage].
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option configures a [Stage].
type Option func(*Stage)

// WithMetrics records capture bytes and overruns.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// WithTeeOptions passes extra options to the PCM tee, typically an event
// handler.
func WithTeeOptions(opts ...tee.Option) Option {
	return func(s *Stage) { s.teeOpts = append(s.teeOpts, opts...) }
}

// WithStopTimeout overrides [DefaultStopTimeout].
func WithStopTimeout(d time.Duration) Option {
	return func(s *Stage) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// Stage is the capture stage of one session. It is not reusable: after
// Stop it returns to Idle but must not be prepared again.
type Stage struct {
	src         audio.Source
	bufSize     int
	metrics     *observe.Metrics
	teeOpts     []tee.Option
	stopTimeout time.Duration

	mu     sync.Mutex
	state  State
	format audio.Format
	tee    *tee.Tee
	w      *pipe.Writer
	r      *pipe.Reader

	// cb guards running against in-flight callbacks: the callback holds
	// the read lock for its whole body and Stop takes the write lock.
	cb       sync.RWMutex
	running  bool
	overruns atomic.Int64
	bytes    atomic.Int64
}

// New returns an idle stage for src whose producer pipe holds bufferSize
// bytes.
func New(src audio.Source, bufferSize int, opts ...Option) *Stage {
	s := &Stage{src: src, bufSize: bufferSize, stopTimeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare prepares the source and builds the producer pipe and PCM tee.
// Consumers may subscribe to [Stage.Tee] once it returns.
func (s *Stage) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.tee != nil {
		return fmt.Errorf("%w: prepare in %s", ErrState, s.state)
	}
	if err := s.src.Prepare(); err != nil {
		return fmt.Errorf("capture: prepare source: %w", err)
	}
	f := s.src.Format()
	if err := f.Validate(); err != nil {
		return fmt.Errorf("capture: source format: %w", err)
	}
	size := max(f.AlignDown(s.bufSize), f.FrameSize())

	s.format = f
	s.w, s.r = pipe.New(size)
	opts := append([]tee.Option{tee.WithName("pcm"), tee.WithFrameSize(f.FrameSize())}, s.teeOpts...)
	s.tee = tee.New(opts...)
	s.src.OnFrame(s.onFrame)
	if n, ok := s.src.(audio.ErrorNotifier); ok {
		n.OnError(s.onError)
	}
	s.state = StatePrepared

	slog.Info("capture: prepared", "format", f.String(), "source", audio.Describe(s.src).API, "pipe_bytes", size)
	return nil
}

// Start launches the tee worker and starts the source.
func (s *Stage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePrepared {
		return fmt.Errorf("%w: start in %s", ErrState, s.state)
	}
	chunk := max(s.format.AlignDown(s.bufSize/4), s.format.FrameSize())
	if err := s.tee.AttachSource(s.r, chunk); err != nil {
		return fmt.Errorf("capture: attach tee: %w", err)
	}

	s.cb.Lock()
	s.running = true
	s.cb.Unlock()

	if err := s.src.Start(); err != nil {
		s.cb.Lock()
		s.running = false
		s.cb.Unlock()
		s.w.Close()
		return fmt.Errorf("capture: start source: %w", err)
	}
	s.state = StateRunning
	return nil
}

// onFrame runs on the source's callback thread.
func (s *Stage) onFrame(p []byte) {
	s.cb.RLock()
	defer s.cb.RUnlock()
	if !s.running || len(p) == 0 {
		return
	}
	ok, err := s.w.TryWriteAll(p)
	if err != nil {
		return
	}
	if !ok {
		s.overruns.Add(1)
		if s.metrics != nil {
			s.metrics.CaptureOverruns.Add(context.Background(), 1)
		}
		return
	}
	s.bytes.Add(int64(len(p)))
	if s.metrics != nil {
		s.metrics.CaptureBytes.Add(context.Background(), int64(len(p)))
	}
}

// onError ends the PCM stream with err so the tee reports the failure once
// the buffered audio is delivered.
func (s *Stage) onError(err error) {
	s.cb.RLock()
	defer s.cb.RUnlock()
	if !s.running {
		return
	}
	slog.Error("capture: source failed", "err", err)
	s.w.CloseWithError(fmt.Errorf("capture: source: %w", err))
}

// Stop stops the source, waits for in-flight callbacks, closes the
// producer pipe and waits (bounded) for the tee to drain. It is safe to
// call in any state.
func (s *Stage) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle && s.tee == nil {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateStopping
	t, w := s.tee, s.w
	s.mu.Unlock()

	var errs []error
	if prev == StateRunning {
		if err := s.src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("capture: stop source: %w", err))
		}
	}
	s.cb.Lock()
	s.running = false
	s.cb.Unlock()

	if w != nil {
		w.Close()
	}
	if t != nil {
		if prev != StateRunning {
			t.Shutdown()
		}
		select {
		case <-t.Done():
		case <-time.After(s.stopTimeout):
			slog.Warn("capture: tee did not drain in time, shutting down", "timeout", s.stopTimeout)
			t.Shutdown()
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	slog.Info("capture: stopped", "bytes", s.bytes.Load(), "overruns", s.overruns.Load())
	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tee returns the PCM tee, or nil before Prepare.
func (s *Stage) Tee() *tee.Tee {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tee
}

// Format returns the source format reported at Prepare.
func (s *Stage) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Source returns the underlying source.
func (s *Stage) Source() audio.Source { return s.src }

// SetGainDB forwards a live gain change to the source.
func (s *Stage) SetGainDB(db float64) { s.src.SetGainDB(db) }

// Overruns returns the number of callback buffers dropped on a full pipe.
func (s *Stage) Overruns() int64 { return s.overruns.Load() }

// Bytes returns the number of PCM bytes accepted.
func (s *Stage) Bytes() int64 { return s.bytes.Load() }
