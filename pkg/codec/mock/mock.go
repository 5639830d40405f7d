// Package mock provides a deterministic in-memory [codec.Codec] for tests.
//
// The mock "encodes" every full AAC frame of input (1024 samples per channel)
// into a payload whose size matches the configured bit rate, so byte ratios
// and ADTS framing can be asserted without a real encoder. Exported fields
// control failure injection; CallCount* fields record usage.
//
//	c := &mock.Codec{}
//	c.Configure(codec.DefaultConfig(audio.CD))
package mock

import (
	"hash/crc32"
	"sync"
	"time"

	"github.com/MrWong99/vinylcast/pkg/codec"
)

// Codec is a mock implementation of [codec.Codec]. It is safe for
// concurrent use.
type Codec struct {
	// ConfigureErr is returned by Configure.
	ConfigureErr error

	// QueueErr is returned by every Queue call when set.
	QueueErr error

	// Stall makes Input block until Close, simulating a hung encoder.
	Stall bool

	// EOSAfter, when positive, ends the output with an EOS packet after that
	// many Queue calls, as an encoder process that died would. Later input
	// is accepted and dropped.
	EOSAfter int

	// Mute accepts input but never produces output packets.
	Mute bool

	mu         sync.Mutex
	cfg        codec.Config
	configured bool
	closed     bool
	pending    []byte
	out        []codec.Packet
	eosQueued  bool
	done       chan struct{}
	bufs       [2]*codec.Buffer

	// CallCountInput records Input calls.
	CallCountInput int

	// CallCountQueue records Queue calls.
	CallCountQueue int

	// BytesIn counts PCM bytes queued.
	BytesIn int64
}

var _ codec.Codec = (*Codec)(nil)

// Configure implements [codec.Codec].
func (c *Codec) Configure(cfg codec.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConfigureErr != nil {
		return c.ConfigureErr
	}
	c.cfg = cfg
	c.configured = true
	c.done = make(chan struct{})
	for i := range c.bufs {
		c.bufs[i] = &codec.Buffer{Index: i, Data: make([]byte, cfg.MaxInputSize)}
	}
	return nil
}

// Input implements [codec.Codec].
func (c *Codec) Input(timeout time.Duration) (*codec.Buffer, error) {
	c.mu.Lock()
	c.CallCountInput++
	if !c.configured {
		c.mu.Unlock()
		return nil, codec.ErrNotConfigured
	}
	if c.closed {
		c.mu.Unlock()
		return nil, codec.ErrClosed
	}
	stall, done := c.Stall, c.done
	c.mu.Unlock()

	if stall {
		<-done
		return nil, codec.ErrClosed
	}
	return c.bufs[0], nil
}

// Queue implements [codec.Codec].
func (c *Codec) Queue(buf *codec.Buffer, n int, eos bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountQueue++
	if c.closed {
		return codec.ErrClosed
	}
	if c.QueueErr != nil {
		return c.QueueErr
	}
	c.BytesIn += int64(n)
	if c.EOSAfter > 0 && c.CallCountQueue >= c.EOSAfter {
		if c.CallCountQueue == c.EOSAfter {
			c.out = append(c.out, codec.Packet{EOS: true})
		}
		return nil
	}
	if c.Mute {
		return nil
	}
	c.pending = append(c.pending, buf.Data[:n]...)

	unit := codec.SamplesPerFrame * c.cfg.Format.FrameSize()
	for len(c.pending) >= unit {
		c.out = append(c.out, codec.Packet{Data: c.encode(c.pending[:unit])})
		c.pending = c.pending[unit:]
	}
	if eos {
		if len(c.pending) > 0 {
			c.out = append(c.out, codec.Packet{Data: c.encode(c.pending)})
			c.pending = nil
		}
		c.out = append(c.out, codec.Packet{EOS: true})
		c.eosQueued = true
	}
	return nil
}

// encode returns a payload sized for one access unit at the configured bit
// rate. Its content is derived from the input so corruption is detectable.
func (c *Codec) encode(pcm []byte) []byte {
	size := c.cfg.BitRate * codec.SamplesPerFrame / c.cfg.Format.SampleRate / 8
	p := make([]byte, size)
	sum := crc32.ChecksumIEEE(pcm)
	for i := range p {
		p[i] = byte(sum >> (8 * (i % 4)))
	}
	return p
}

// Output implements [codec.Codec].
func (c *Codec) Output(timeout time.Duration) (codec.Packet, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return codec.Packet{}, codec.ErrClosed
	}
	if len(c.out) > 0 {
		p := c.out[0]
		c.out = c.out[1:]
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()
	if timeout > 0 {
		time.Sleep(min(timeout, time.Millisecond))
	}
	return codec.Packet{}, codec.ErrTryAgain
}

// Close implements [codec.Codec].
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.done != nil {
			close(c.done)
		}
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Codec) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EOSQueued reports whether an end-of-stream buffer was queued.
func (c *Codec) EOSQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eosQueued
}
