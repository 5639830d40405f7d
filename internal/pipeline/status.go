package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the controller state published to status subscribers.
type State int

const (
	StateReady State = iota
	StatePreparing
	StateRecording
	StateStopped
	StateError
)

var stateNames = [...]string{"ready", "preparing", "recording", "stopped", "error"}

// String returns the state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown state %q", b)
}

// ErrorKind classifies the fault behind [StateError].
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindPermissionDenied
	KindAudioFocusFailed
	KindAudioRecordFailed
	KindAudioConvertFailed
	KindHTTPServerFailed
	KindUnknown
)

var kindNames = [...]string{
	"", "permission_denied", "audio_focus_failed", "audio_record_failed",
	"audio_convert_failed", "http_server_failed", "unknown",
}

// String returns the kind name; KindNone is empty.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = ErrorKind(i)
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown error kind %q", b)
}

// Status is one published controller status.
type Status struct {
	State State     `json:"state"`
	Kind  ErrorKind `json:"error,omitempty"`

	// Message carries the fault text for StateError.
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// String formats the status for logs.
func (s Status) String() string {
	if s.State == StateError {
		return fmt.Sprintf("error(%s)", s.Kind)
	}
	return s.State.String()
}

// hub fans statuses out to subscribers and replays the latest one to new
// subscribers. Deliveries are serialized, so every subscriber sees statuses
// in publish order.
type hub struct {
	deliver sync.Mutex

	mu     sync.Mutex
	latest Status
	subs   map[string]func(Status)
}

func newHub() *hub {
	return &hub{
		latest: Status{State: StateReady, At: time.Now()},
		subs:   make(map[string]func(Status)),
	}
}

func (h *hub) Latest() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Subscribe registers fn, calls it with the latest status and returns a
// function that removes it.
func (h *hub) Subscribe(fn func(Status)) (unsubscribe func()) {
	id := uuid.NewString()
	h.deliver.Lock()
	h.mu.Lock()
	h.subs[id] = fn
	latest := h.latest
	h.mu.Unlock()
	fn(latest)
	h.deliver.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish stores s and delivers it. It reports false when s repeats the
// latest state and kind.
func (h *hub) Publish(s Status) bool {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	if s.State == h.latest.State && s.Kind == h.latest.Kind {
		h.mu.Unlock()
		return false
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	h.latest = s
	fns := make([]func(Status), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
	return true
}
