package tee

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrWong99/vinylcast/pkg/pipe"
)

var errSlowConsumer = errors.New("tee: consumer pipe full")

// Consumer is the read side of one tee subscription. Read it like any
// io.Reader; it returns io.EOF once the tee closes the subscription.
type Consumer struct {
	id     string
	label  string
	policy Policy
	prefix []byte
	tee    *Tee

	w *pipe.Writer
	r *pipe.Reader

	written atomic.Int64
	dropped atomic.Int64
	evicted atomic.Bool

	// overruns counts consecutive block-deadline misses; worker only.
	overruns int
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string { return c.id }

// Label returns the label set with [WithLabel].
func (c *Consumer) Label() string { return c.label }

// Policy returns the consumer back-pressure policy.
func (c *Consumer) Policy() Policy { return c.policy }

// Read implements io.Reader.
func (c *Consumer) Read(p []byte) (int, error) { return c.r.Read(p) }

// ReadContext reads with cancellation.
func (c *Consumer) ReadContext(ctx context.Context, p []byte) (int, error) {
	return c.r.ReadContext(ctx, p)
}

// Buffered returns the number of bytes waiting in the consumer pipe.
func (c *Consumer) Buffered() int { return c.r.Buffered() }

// Written returns the number of stream bytes delivered into the pipe.
func (c *Consumer) Written() int64 { return c.written.Load() }

// Dropped returns the number of stream bytes discarded for this consumer.
func (c *Consumer) Dropped() int64 { return c.dropped.Load() }

// Evicted reports whether the tee removed the consumer for falling behind or
// failing a write.
func (c *Consumer) Evicted() bool { return c.evicted.Load() }

// Done is closed once the tee will write no more bytes to this consumer.
func (c *Consumer) Done() <-chan struct{} { return c.r.Done() }

// Close detaches the consumer and discards anything still buffered.
func (c *Consumer) Close() error {
	c.tee.Unsubscribe(c.id)
	return c.r.Close()
}
