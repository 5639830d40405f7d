// Package tee fans a single producer byte stream out to any number of
// independently paced consumers.
//
// Each consumer owns a bounded [pipe] and a [Policy] that decides what the
// fan-out worker does when that pipe has no room for the next chunk. The
// worker never waits on a consumer whose policy is not [Block], and waits on
// a [Block] consumer only up to a deadline.
//
// A [Boundary] function can be installed so that the worker only forwards
// whole frames (PCM frames, ADTS packets). Consumers that join while the tee is
// running then start exactly on a frame boundary.
package tee

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vinylcast/pkg/pipe"
)

// ErrStopped is returned by [Tee.Subscribe] and [Tee.AttachSource] once the
// tee is draining or stopped.
var ErrStopped = errors.New("tee: stopped")

// ErrSourceAttached is returned by [Tee.AttachSource] when a source is
// already bound.
var ErrSourceAttached = errors.New("tee: source already attached")

// DefaultBlockDeadline bounds how long the worker waits on a [Block]
// consumer before falling back to [DropOldest] for that chunk.
const DefaultBlockDeadline = 50 * time.Millisecond

// Policy selects the fan-out behaviour for a consumer whose pipe is full.
type Policy int

const (
	// Block waits up to the block deadline, then drops the oldest bytes.
	Block Policy = iota

	// DropOldest discards the head of the consumer pipe to make room.
	DropOldest

	// Disconnect evicts the consumer on the first short write.
	Disconnect
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a [Tee].
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Boundary returns the length of the longest prefix of p made of complete
// frames. The worker forwards only that prefix and carries the rest over.
type Boundary func(p []byte) int

// FixedFrames returns a [Boundary] for fixed-size frames.
func FixedFrames(size int) Boundary {
	return func(p []byte) int {
		if size <= 1 {
			return len(p)
		}
		return len(p) - len(p)%size
	}
}

// contextReader is implemented by sources that can abandon a blocked read,
// such as [pipe.Reader].
type contextReader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// Option configures a [Tee].
type Option func(*Tee)

// WithName labels the tee in logs and events.
func WithName(name string) Option {
	return func(t *Tee) { t.name = name }
}

// WithBlockDeadline overrides [DefaultBlockDeadline].
func WithBlockDeadline(d time.Duration) Option {
	return func(t *Tee) {
		if d > 0 {
			t.blockDeadline = d
		}
	}
}

// WithStallLimit sets how many consecutive deadline overruns of a [Block]
// consumer raise an [EventStalled]. The default is 3.
func WithStallLimit(n int) Option {
	return func(t *Tee) {
		if n > 0 {
			t.stallLimit = n
		}
	}
}

// WithBoundary installs a frame boundary function.
func WithBoundary(b Boundary) Option {
	return func(t *Tee) { t.boundary = b }
}

// WithFrameSize installs [FixedFrames] and aligns drop-oldest discards to
// whole frames.
func WithFrameSize(size int) Option {
	return func(t *Tee) {
		t.boundary = FixedFrames(size)
		t.frameSize = size
	}
}

// WithEventHandler registers fn for tee events. fn runs on the worker
// goroutine or the subscribing goroutine and must not block.
func WithEventHandler(fn func(Event)) Option {
	return func(t *Tee) { t.handlers = append(t.handlers, fn) }
}

// Tee replicates one source to many consumers. All exported methods are safe
// for concurrent use.
type Tee struct {
	name          string
	blockDeadline time.Duration
	stallLimit    int
	boundary      Boundary
	frameSize     int
	handlers      []func(Event)

	mu        sync.Mutex
	state     State
	consumers map[string]*Consumer
	order     []string
	src       io.Reader
	cancel    context.CancelFunc
	err       error

	bytesIn atomic.Int64
	done    chan struct{}
}

// New creates an idle tee.
func New(opts ...Option) *Tee {
	t := &Tee{
		name:          "tee",
		blockDeadline: DefaultBlockDeadline,
		stallLimit:    3,
		consumers:     make(map[string]*Consumer),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tee label.
func (t *Tee) Name() string { return t.name }

// State returns the current lifecycle state.
func (t *Tee) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Len returns the number of attached consumers.
func (t *Tee) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumers)
}

// BytesIn returns the number of bytes read from the source.
func (t *Tee) BytesIn() int64 { return t.bytesIn.Load() }

// Done is closed when the worker has stopped and every consumer pipe is
// closed.
func (t *Tee) Done() <-chan struct{} { return t.done }

// Err returns the terminal source error, if any. A clean EOF or shutdown
// yields nil.
func (t *Tee) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// AttachSource binds r and launches the fan-out worker, which reads up to
// chunkSize bytes per iteration. If r implements ReadContext the worker can
// be stopped while blocked in a read; otherwise [Tee.Shutdown] closes r when
// it implements io.Closer.
func (t *Tee) AttachSource(r io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		return fmt.Errorf("tee: %s: chunk size %d must be positive", t.name, chunkSize)
	}
	t.mu.Lock()
	switch {
	case t.state != StateIdle && t.src == nil:
		t.mu.Unlock()
		return ErrStopped
	case t.src != nil:
		t.mu.Unlock()
		return ErrSourceAttached
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.src = r
	t.cancel = cancel
	t.state = StateRunning
	t.mu.Unlock()

	go t.run(ctx, r, chunkSize)
	return nil
}

// SubscribeOption configures a single consumer.
type SubscribeOption func(*Consumer)

// WithPrefix writes p into the consumer pipe before any stream bytes. The
// pipe capacity is grown by len(p) so the prefix never displaces audio.
func WithPrefix(p []byte) SubscribeOption {
	return func(c *Consumer) { c.prefix = p }
}

// WithLabel attaches a free-form label reported in events.
func WithLabel(label string) SubscribeOption {
	return func(c *Consumer) { c.label = label }
}

// Subscribe attaches a new consumer whose pipe holds capacity bytes.
func (t *Tee) Subscribe(capacity int, policy Policy, opts ...SubscribeOption) (*Consumer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("tee: %s: capacity %d must be positive", t.name, capacity)
	}
	c := &Consumer{id: uuid.NewString(), policy: policy, tee: t}
	for _, opt := range opts {
		opt(c)
	}
	c.w, c.r = pipe.New(capacity + len(c.prefix))
	if len(c.prefix) > 0 {
		if _, err := c.w.TryWrite(c.prefix); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	if t.state == StateDraining || t.state == StateStopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	t.consumers[c.id] = c
	t.order = append(t.order, c.id)
	t.mu.Unlock()

	slog.Debug("tee: consumer subscribed", "tee", t.name, "consumer_id", c.id, "policy", policy, "capacity", capacity)
	t.emit(Event{Kind: EventSubscribed, Tee: t.name, ConsumerID: c.id, Label: c.label, Policy: policy})
	return c, nil
}

// Unsubscribe detaches the consumer with the given id and closes its pipe.
// Bytes already buffered stay readable. Unknown ids are ignored.
func (t *Tee) Unsubscribe(id string) {
	c := t.remove(id)
	if c == nil {
		return
	}
	c.w.Close()
	t.emit(Event{Kind: EventUnsubscribed, Tee: t.name, ConsumerID: id, Label: c.label, Policy: c.policy, Dropped: c.dropped.Load()})
}

// Shutdown stops the worker and closes every consumer pipe after flushing
// bytes already read from the source. It does not wait; use [Tee.Done].
func (t *Tee) Shutdown() {
	t.mu.Lock()
	switch t.state {
	case StateIdle:
		t.state = StateStopped
		cs := t.detachAll()
		t.mu.Unlock()
		for _, c := range cs {
			c.w.Close()
		}
		close(t.done)
		return
	case StateRunning:
		t.state = StateDraining
	}
	cancel, src := t.cancel, t.src
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if _, ok := src.(contextReader); !ok {
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
	}
}

func (t *Tee) remove(id string) *Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[id]
	if !ok {
		return nil
	}
	delete(t.consumers, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return c
}

// detachAll empties the consumer set. Must be called with t.mu held.
func (t *Tee) detachAll() []*Consumer {
	cs := t.snapshotLocked()
	clear(t.consumers)
	t.order = nil
	return cs
}

func (t *Tee) snapshotLocked() []*Consumer {
	cs := make([]*Consumer, 0, len(t.order))
	for _, id := range t.order {
		cs = append(cs, t.consumers[id])
	}
	return cs
}

func (t *Tee) snapshot() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tee) emit(ev Event) {
	for _, fn := range t.handlers {
		fn(ev)
	}
}
