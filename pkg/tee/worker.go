package tee

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/MrWong99/vinylcast/pkg/pipe"
)

// maxCarryChunks bounds how much unframed data the worker holds back before
// forwarding it regardless of the boundary function.
const maxCarryChunks = 4

func (t *Tee) run(ctx context.Context, src io.Reader, chunk int) {
	buf := make([]byte, chunk)
	carry := 0
	var srcErr error

	for {
		if carry == len(buf) {
			buf = append(buf, make([]byte, chunk)...)
		}
		n, err := t.read(ctx, src, buf[carry:])
		if n > 0 {
			t.bytesIn.Add(int64(n))
			total := carry + n
			emit := total
			if t.boundary != nil && total < maxCarryChunks*chunk {
				emit = t.boundary(buf[:total])
			}
			if emit > 0 {
				t.fanout(buf[:emit])
			}
			carry = copy(buf, buf[emit:total])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, pipe.ErrClosed) && ctx.Err() == nil {
				srcErr = err
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	t.drain(buf[:carry], srcErr)
}

func (t *Tee) read(ctx context.Context, src io.Reader, p []byte) (int, error) {
	if cr, ok := src.(contextReader); ok {
		return cr.ReadContext(ctx, p)
	}
	return src.Read(p)
}

// fanout delivers one chunk to the current consumer snapshot.
func (t *Tee) fanout(chunk []byte) {
	for _, c := range t.snapshot() {
		switch c.policy {
		case Disconnect:
			ok, err := c.w.TryWriteAll(chunk)
			if err != nil {
				t.evict(c, err)
				continue
			}
			if !ok {
				t.evict(c, errSlowConsumer)
				continue
			}
			c.written.Add(int64(len(chunk)))

		case DropOldest:
			if err := t.writeDropOldest(c, chunk); err != nil {
				t.evict(c, err)
			}

		case Block:
			n, err := c.w.WriteTimeout(chunk, t.blockDeadline)
			c.written.Add(int64(n))
			if err != nil {
				t.evict(c, err)
				continue
			}
			if n == len(chunk) {
				c.overruns = 0
				continue
			}
			c.overruns++
			if err := t.writeDropOldest(c, chunk[n:]); err != nil {
				t.evict(c, err)
				continue
			}
			if c.overruns == t.stallLimit {
				slog.Warn("tee: consumer stalled", "tee", t.name, "consumer_id", c.id, "label", c.label, "overruns", c.overruns)
				t.emit(Event{Kind: EventStalled, Tee: t.name, ConsumerID: c.id, Label: c.label, Policy: c.policy, Dropped: c.dropped.Load(), Overruns: c.overruns})
			}
		}
	}
}

// writeDropOldest makes room in c by discarding its oldest bytes, then
// writes p.
func (t *Tee) writeDropOldest(c *Consumer, p []byte) error {
	if limit := c.w.Cap(); len(p) > limit {
		skip := t.alignUp(len(p) - limit)
		c.dropped.Add(int64(skip))
		p = p[skip:]
	}
	if free := c.w.Free(); free < len(p) {
		c.dropped.Add(int64(c.w.DiscardUnits(t.alignUp(len(p)-free), t.frameSize)))
	}
	if free := c.w.Free(); free < len(p) {
		// Too little whole-frame data buffered; lose the head of p instead.
		skip := min(t.alignUp(len(p)-free), len(p))
		c.dropped.Add(int64(skip))
		p = p[skip:]
	}
	n, err := c.w.TryWrite(p)
	c.written.Add(int64(n))
	c.dropped.Add(int64(len(p) - n))
	return err
}

func (t *Tee) alignUp(n int) int {
	if t.frameSize <= 1 {
		return n
	}
	if r := n % t.frameSize; r != 0 {
		n += t.frameSize - r
	}
	return n
}

// evict removes c after a write failure or a short write under
// [Disconnect]. A consumer that already left is ignored.
func (t *Tee) evict(c *Consumer, cause error) {
	if t.remove(c.id) == nil {
		return
	}
	c.w.Close()
	c.evicted.Store(true)
	slog.Info("tee: consumer evicted", "tee", t.name, "consumer_id", c.id, "label", c.label, "policy", c.policy, "reason", cause)
	t.emit(Event{Kind: EventEvicted, Tee: t.name, ConsumerID: c.id, Label: c.label, Policy: c.policy, Dropped: c.dropped.Load(), Err: cause})
}

// drain flushes rest to non-Disconnect consumers, then closes every pipe.
func (t *Tee) drain(rest []byte, srcErr error) {
	t.mu.Lock()
	t.state = StateDraining
	t.err = srcErr
	t.mu.Unlock()

	if len(rest) > 0 {
		for _, c := range t.snapshot() {
			if c.policy == Disconnect {
				continue
			}
			if n, err := c.w.WriteTimeout(rest, t.blockDeadline); err == nil {
				c.written.Add(int64(n))
				c.dropped.Add(int64(len(rest) - n))
			}
		}
	}

	t.mu.Lock()
	cs := t.detachAll()
	t.state = StateStopped
	t.mu.Unlock()

	for _, c := range cs {
		c.w.Close()
	}
	if srcErr != nil {
		slog.Warn("tee: source failed", "tee", t.name, "err", srcErr)
		t.emit(Event{Kind: EventSourceFailed, Tee: t.name, Err: srcErr})
	}
	slog.Debug("tee: stopped", "tee", t.name, "bytes_in", t.bytesIn.Load(), "consumers_closed", len(cs))
	close(t.done)
}
