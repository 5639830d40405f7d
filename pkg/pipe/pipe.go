// Package pipe provides a bounded single-producer/single-consumer byte pipe.
//
// [New] returns the two ends of a pipe with a fixed capacity. The [Writer]
// blocks while the pipe is full and the [Reader] blocks while it is empty.
// Closing either end wakes the other: the reader observes [io.EOF] once the
// buffer is drained, the writer observes [ErrClosed] immediately.
//
// Besides the blocking io.Writer/io.Reader methods, the writer offers
// non-blocking and deadline-bounded variants plus [Writer.Discard] so a
// producer can apply its own back-pressure policy without ever waiting on a
// slow consumer.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by writes after the reader is gone or the writer was
// closed, and by reads after the reader was closed.
var ErrClosed = errors.New("pipe: closed")

// buffer is the ring shared by both ends.
type buffer struct {
	mu    sync.Mutex
	data  []byte
	start int // index of the oldest byte
	size  int // number of buffered bytes

	readerClosed bool
	writerClosed bool
	werr         error // returned instead of io.EOF once drained

	// readable and writable carry wake-ups (capacity 1). Stale signals only
	// cause a spurious re-check.
	readable chan struct{}
	writable chan struct{}

	// rdone and wdone are closed when the respective end closes.
	rdone chan struct{}
	wdone chan struct{}
}

// Writer is the producing end of a pipe. It must be used by one goroutine at
// a time.
type Writer struct{ b *buffer }

// Reader is the consuming end of a pipe. It must be used by one goroutine at
// a time.
type Reader struct{ b *buffer }

// New allocates a pipe holding at most capacity bytes. capacity must be
// positive.
func New(capacity int) (*Writer, *Reader) {
	if capacity <= 0 {
		panic("pipe: capacity must be positive")
	}
	b := &buffer{
		data:     make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		rdone:    make(chan struct{}),
		wdone:    make(chan struct{}),
	}
	return &Writer{b: b}, &Reader{b: b}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// put copies as much of p as fits. Must be called with b.mu held.
func (b *buffer) put(p []byte) int {
	free := len(b.data) - b.size
	n := min(free, len(p))
	end := (b.start + b.size) % len(b.data)
	c := copy(b.data[end:], p[:n])
	copy(b.data, p[c:n])
	b.size += n
	return n
}

// take copies up to len(p) buffered bytes into p. Must be called with b.mu
// held.
func (b *buffer) take(p []byte) int {
	n := min(b.size, len(p))
	c := copy(p[:n], b.data[b.start:])
	copy(p[c:n], b.data)
	b.drop(n)
	return n
}

// drop removes the n oldest bytes. Must be called with b.mu held.
func (b *buffer) drop(n int) {
	b.start = (b.start + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.start = 0
	}
}

// ── Writer ───────────────────────────────────────────────────────────────────

// Cap returns the pipe capacity in bytes.
func (w *Writer) Cap() int { return len(w.b.data) }

// Free returns the number of bytes that can currently be written without
// blocking.
func (w *Writer) Free() int {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	return len(w.b.data) - w.b.size
}

// Write writes all of p, blocking while the pipe is full. It returns
// [ErrClosed] once the reader is closed.
func (w *Writer) Write(p []byte) (int, error) {
	return w.write(context.Background(), p, nil)
}

// WriteContext is Write with cancellation. On cancellation it returns the
// number of bytes written so far and ctx.Err().
func (w *Writer) WriteContext(ctx context.Context, p []byte) (int, error) {
	return w.write(ctx, p, nil)
}

// WriteTimeout writes as much of p as possible within d. A short count with a
// nil error means the deadline expired.
func (w *Writer) WriteTimeout(p []byte, d time.Duration) (int, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	return w.write(context.Background(), p, t.C)
}

func (w *Writer) write(ctx context.Context, p []byte, deadline <-chan time.Time) (int, error) {
	b := w.b
	written := 0
	for {
		b.mu.Lock()
		if b.readerClosed || b.writerClosed {
			b.mu.Unlock()
			return written, ErrClosed
		}
		n := b.put(p[written:])
		b.mu.Unlock()
		if n > 0 {
			written += n
			notify(b.readable)
		}
		if written == len(p) {
			return written, nil
		}

		select {
		case <-b.writable:
		case <-b.rdone:
		case <-ctx.Done():
			return written, ctx.Err()
		case <-deadline:
			return written, nil
		}
	}
}

// WriteAllTimeout writes p in one piece once the pipe has room for all of
// it, waiting at most d. It reports whether p was written; on false nothing
// was. p must not be larger than the pipe.
func (w *Writer) WriteAllTimeout(p []byte, d time.Duration) (bool, error) {
	b := w.b
	if len(p) > len(b.data) {
		return false, fmt.Errorf("pipe: write of %d bytes exceeds capacity %d", len(p), len(b.data))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		ok, err := w.TryWriteAll(p)
		if ok || err != nil {
			return ok, err
		}
		select {
		case <-b.writable:
		case <-b.rdone:
		case <-t.C:
			return false, nil
		}
	}
}

// TryWrite writes as much of p as fits without blocking.
func (w *Writer) TryWrite(p []byte) (int, error) {
	b := w.b
	b.mu.Lock()
	if b.readerClosed || b.writerClosed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	n := b.put(p)
	b.mu.Unlock()
	if n > 0 {
		notify(b.readable)
	}
	return n, nil
}

// TryWriteAll writes p only if it fits entirely, without blocking. It reports
// whether p was written.
func (w *Writer) TryWriteAll(p []byte) (bool, error) {
	b := w.b
	b.mu.Lock()
	if b.readerClosed || b.writerClosed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	if len(b.data)-b.size < len(p) {
		b.mu.Unlock()
		return false, nil
	}
	b.put(p)
	b.mu.Unlock()
	if len(p) > 0 {
		notify(b.readable)
	}
	return true, nil
}

// Discard drops up to n of the oldest buffered bytes and returns how many
// were dropped. The reader never sees them.
func (w *Writer) Discard(n int) int {
	b := w.b
	b.mu.Lock()
	n = min(n, b.size)
	b.drop(n)
	b.mu.Unlock()
	if n > 0 {
		notify(b.writable)
	}
	return n
}

// DiscardUnits is Discard restricted to a multiple of unit bytes, so a
// reader that stopped inside a unit still sees the rest of it. It returns
// how many bytes were dropped.
func (w *Writer) DiscardUnits(n, unit int) int {
	b := w.b
	b.mu.Lock()
	n = min(n, b.size)
	if unit > 1 {
		n -= n % unit
	}
	b.drop(n)
	b.mu.Unlock()
	if n > 0 {
		notify(b.writable)
	}
	return n
}

// Close closes the writing end. Buffered bytes remain readable. Close is
// idempotent.
func (w *Writer) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError closes the writing end so that the reader gets err instead
// of [io.EOF] once the buffer is drained. A nil err is the same as Close.
// Only the first close takes effect.
func (w *Writer) CloseWithError(err error) error {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.writerClosed {
		b.writerClosed = true
		b.werr = err
		close(b.wdone)
	}
	return nil
}

// Done is closed when the reader has been closed.
func (w *Writer) Done() <-chan struct{} { return w.b.rdone }

// ── Reader ───────────────────────────────────────────────────────────────────

// Read reads up to len(p) bytes, blocking while the pipe is empty and the
// writer is open. It returns [io.EOF] after the writer closed and the buffer
// is drained.
func (r *Reader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation.
func (r *Reader) ReadContext(ctx context.Context, p []byte) (int, error) {
	b := r.b
	for {
		b.mu.Lock()
		if b.readerClosed {
			b.mu.Unlock()
			return 0, ErrClosed
		}
		if len(p) == 0 {
			b.mu.Unlock()
			return 0, nil
		}
		if b.size > 0 {
			n := b.take(p)
			b.mu.Unlock()
			notify(b.writable)
			return n, nil
		}
		if b.writerClosed {
			err := b.werr
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.mu.Unlock()

		select {
		case <-b.readable:
		case <-b.wdone:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Buffered returns the number of unread bytes.
func (r *Reader) Buffered() int {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.size
}

// Close closes the reading end and discards buffered bytes. Pending and
// future writes fail with [ErrClosed]. Close is idempotent.
func (r *Reader) Close() error {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.readerClosed {
		b.readerClosed = true
		b.size, b.start = 0, 0
		close(b.rdone)
	}
	return nil
}

// Done is closed when the writer has been closed.
func (r *Reader) Done() <-chan struct{} { return r.b.wdone }

var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.ReadCloser  = (*Reader)(nil)
)
