// Package ffmpeg implements [codec.Codec] on top of an ffmpeg child process.
//
// PCM is piped into ffmpeg's stdin as s16le; ffmpeg writes AAC in ADTS
// framing to stdout. The ADTS frames are split with [adts.Reader] and their
// raw payloads returned from Output, so the caller frames them again exactly
// like it would for any other encoder.
//
// A failed stdin write or a process that exits before end of stream was
// queued is sticky: Input and Queue return it from then on.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/vinylcast/pkg/adts"
	"github.com/MrWong99/vinylcast/pkg/codec"
)

// numBuffers is the number of input buffers lent out concurrently.
const numBuffers = 4

// Option configures a [Codec].
type Option func(*Codec)

// WithBinary sets the ffmpeg executable. Default: "ffmpeg" from PATH.
func WithBinary(path string) Option {
	return func(c *Codec) {
		if path != "" {
			c.binary = path
		}
	}
}

// Codec encodes through an ffmpeg subprocess.
type Codec struct {
	binary string

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	closed bool
	failed error
	eos    bool

	free    chan *codec.Buffer
	writes  chan write
	packets chan codec.Packet
	done    chan struct{}
	wg      sync.WaitGroup
}

type write struct {
	buf *codec.Buffer
	n   int
	eos bool
}

var _ codec.Codec = (*Codec)(nil)

// New returns an unconfigured ffmpeg codec.
func New(opts ...Option) *Codec {
	c := &Codec{binary: "ffmpeg"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether the ffmpeg binary can be found.
func (c *Codec) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Configure starts the ffmpeg process.
func (c *Codec) Configure(cfg codec.Config) error {
	if cfg.MIME != codec.MIMEAAC {
		return fmt.Errorf("ffmpeg: unsupported mime %q", cfg.MIME)
	}
	if cfg.Format.BitsPerSample != 16 {
		return fmt.Errorf("ffmpeg: only 16-bit input is supported, got %d", cfg.Format.BitsPerSample)
	}
	bin, err := exec.LookPath(c.binary)
	if err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.Format.SampleRate),
		"-ac", strconv.Itoa(cfg.Format.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(cfg.BitRate),
		"-flush_packets", "1",
		"-f", "adts",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: start: %w", err)
	}

	c.mu.Lock()
	c.cmd, c.cancel, c.stdin = cmd, cancel, stdin
	c.free = make(chan *codec.Buffer, numBuffers)
	c.writes = make(chan write, numBuffers)
	c.packets = make(chan codec.Packet, 64)
	c.done = make(chan struct{})
	for i := range numBuffers {
		c.free <- &codec.Buffer{Index: i, Data: make([]byte, cfg.MaxInputSize)}
	}
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop(cmd, stdout)

	slog.Debug("ffmpeg: encoder started", "pid", cmd.Process.Pid, "format", cfg.Format.String(), "bitrate", cfg.BitRate)
	return nil
}

// writeLoop feeds queued buffers into ffmpeg and recycles them.
func (c *Codec) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case w := <-c.writes:
			if w.n > 0 && c.err() == nil {
				if _, err := c.stdin.Write(w.buf.Data[:w.n]); err != nil {
					c.fail(fmt.Errorf("ffmpeg: write stdin: %w", err))
				}
			}
			c.free <- w.buf
			if w.eos {
				c.stdin.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop splits ffmpeg's ADTS output into payload packets. It reaps the
// process once stdout ends.
func (c *Codec) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	defer c.wg.Done()
	r := adts.NewReader(stdout)
	for {
		f, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.fail(fmt.Errorf("ffmpeg: read stdout: %w", err))
				io.Copy(io.Discard, stdout)
			}
			werr := cmd.Wait()
			c.mu.Lock()
			early := !c.eos && !c.closed
			c.mu.Unlock()
			if early {
				if werr == nil {
					werr = errors.New("output ended")
				}
				c.fail(fmt.Errorf("ffmpeg: process exited before end of stream: %w", werr))
			}
			select {
			case c.packets <- codec.Packet{EOS: true}:
			case <-c.done:
			}
			return
		}
		select {
		case c.packets <- codec.Packet{Data: f.Payload()}:
		case <-c.done:
			// Close kills the process; drain stdout so it can be reaped.
			io.Copy(io.Discard, stdout)
			cmd.Wait()
			return
		}
	}
}

// Input implements [codec.Codec].
func (c *Codec) Input(timeout time.Duration) (*codec.Buffer, error) {
	free, done, err := c.channels()
	if err != nil {
		return nil, err
	}
	if err := c.err(); err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-free:
		return b, nil
	case <-done:
		return nil, codec.ErrClosed
	case <-t.C:
		return nil, codec.ErrTryAgain
	}
}

// Queue implements [codec.Codec].
func (c *Codec) Queue(buf *codec.Buffer, n int, eos bool) error {
	_, done, err := c.channels()
	if err != nil {
		return err
	}
	if err := c.err(); err != nil {
		// The buffer goes back to the free list so Input keeps working.
		c.free <- buf
		return err
	}
	if eos {
		c.mu.Lock()
		c.eos = true
		c.mu.Unlock()
	}
	select {
	case c.writes <- write{buf: buf, n: n, eos: eos}:
		return nil
	case <-done:
		return codec.ErrClosed
	}
}

// Output implements [codec.Codec].
func (c *Codec) Output(timeout time.Duration) (codec.Packet, error) {
	_, done, err := c.channels()
	if err != nil {
		return codec.Packet{}, err
	}
	if timeout <= 0 {
		select {
		case p := <-c.packets:
			return p, nil
		default:
			return codec.Packet{}, codec.ErrTryAgain
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-c.packets:
		return p, nil
	case <-done:
		return codec.Packet{}, codec.ErrClosed
	case <-t.C:
		return codec.Packet{}, codec.ErrTryAgain
	}
}

func (c *Codec) channels() (chan *codec.Buffer, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return nil, nil, codec.ErrNotConfigured
	}
	if c.closed {
		return nil, nil, codec.ErrClosed
	}
	return c.free, c.done, nil
}

// fail records the first process failure.
func (c *Codec) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil && !c.closed {
		c.failed = err
		slog.Warn("ffmpeg: encoder failed", "err", err)
	}
}

func (c *Codec) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Close kills ffmpeg and waits for the helper goroutines.
func (c *Codec) Close() error {
	c.mu.Lock()
	if c.closed || c.cmd == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	cmd, cancel := c.cmd, c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	slog.Debug("ffmpeg: encoder closed", "pid", cmd.Process.Pid)
	return nil
}
