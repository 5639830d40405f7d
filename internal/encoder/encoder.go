// Package encoder turns the PCM stream of the capture tee into AAC wrapped in
// ADTS frames and publishes them on a second tee.
//
// The stage drives a buffer-oriented [codec.Codec]: acquire an input buffer
// with a bounded wait, fill it with frame-aligned PCM, queue it, then drain
// every ready output packet and prefix it with a 7-byte ADTS header. On
// cancellation it queues end-of-stream and drains until the codec confirms.
// Queue and Output failures run through a [resilience.Breaker]; once it opens
// the stage fails.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vinylcast/internal/observe"
	"github.com/MrWong99/vinylcast/internal/resilience"
	"github.com/MrWong99/vinylcast/pkg/adts"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/codec"
	"github.com/MrWong99/vinylcast/pkg/pipe"
	"github.com/MrWong99/vinylcast/pkg/tee"
)

// ConsumerLabel labels the stage's subscription on the PCM tee, so tee
// events about it can be told apart.
const ConsumerLabel = "encoder"

var (
	// ErrConfigure wraps codec initialisation failures.
	ErrConfigure = errors.New("encoder: configure codec")

	// ErrCodec is returned when the codec breaker opened, the codec ended
	// its output before end of stream was queued or produced nothing at all.
	ErrCodec = errors.New("encoder: codec failed")

	// ErrStalled reports an encoder that stopped consuming PCM.
	ErrStalled = errors.New("encoder: stalled")
)

// Defaults.
const (
	DefaultDrainTimeout = time.Second
	DefaultRatioAfter   = 5 * time.Second
)

// Option configures a [Stage].
type Option func(*Stage)

// WithBitRate overrides the AAC bit rate.
func WithBitRate(bps int) Option {
	return func(s *Stage) {
		if bps > 0 {
			s.cfg.BitRate = bps
		}
	}
}

// WithBreaker installs the breaker guarding codec calls. By default every
// stage gets its own breaker that opens after 5 consecutive failures and
// stays open.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Stage) { s.breaker = b }
}

// WithMetrics records encoder byte counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// WithTeeOptions passes extra options to the AAC tee.
func WithTeeOptions(opts ...tee.Option) Option {
	return func(s *Stage) { s.teeOpts = append(s.teeOpts, opts...) }
}

// WithDrainTimeout bounds the end-of-stream drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Stage) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithRatioCheckAfter sets when the output/input byte ratio is checked
// against the target bit rate. A codec that has produced no output by then
// fails the stage. Zero disables the check.
func WithRatioCheckAfter(d time.Duration) Option {
	return func(s *Stage) { s.ratioAfter = d }
}

// Stage is the encoder stage of one session.
type Stage struct {
	codec        codec.Codec
	cfg          codec.Config
	bufSize      int
	breaker      *resilience.Breaker
	metrics      *observe.Metrics
	teeOpts      []tee.Option
	drainTimeout time.Duration
	ratioAfter   time.Duration

	in   *tee.Consumer
	tee  *tee.Tee
	w    *pipe.Writer
	frame []byte
	tmpl  adts.Header

	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	err      error
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	packets  atomic.Int64
}

// New returns a stage encoding PCM of format f with codec c. bufferSize is
// the base pipe size of the pipeline.
func New(c codec.Codec, f audio.Format, bufferSize int, opts ...Option) *Stage {
	s := &Stage{
		codec:        c,
		cfg:          codec.DefaultConfig(f),
		bufSize:      bufferSize,
		drainTimeout: DefaultDrainTimeout,
		ratioAfter:   DefaultRatioAfter,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "codec",
			Transient: func(err error) bool { return errors.Is(err, codec.ErrTryAgain) },
		})
	}
	return s
}

// Start configures the codec, subscribes a Block consumer on pcm and
// launches the encode loop. The AAC tee is available from [Stage.Tee] once
// Start returns.
func (s *Stage) Start(pcm *tee.Tee) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("encoder: already started")
	}
	h, err := adts.NewHeader(s.cfg.Format.SampleRate, s.cfg.Format.Channels, 0)
	if err != nil {
		close(s.done)
		return fmt.Errorf("%w: %v", ErrConfigure, err)
	}
	s.tmpl = h
	if err := s.codec.Configure(s.cfg); err != nil {
		close(s.done)
		return fmt.Errorf("%w: %v", ErrConfigure, err)
	}

	in, err := pcm.Subscribe(s.bufSize, tee.Block, tee.WithLabel(ConsumerLabel))
	if err != nil {
		s.codec.Close()
		close(s.done)
		return fmt.Errorf("encoder: subscribe: %w", err)
	}

	w, r := pipe.New(max(s.bufSize, adts.MaxFrameLength))
	opts := append([]tee.Option{tee.WithName("aac"), tee.WithBoundary(adts.CompleteFrames)}, s.teeOpts...)
	out := tee.New(opts...)
	if err := out.AttachSource(r, max(s.bufSize/4, adts.HeaderSize)); err != nil {
		in.Close()
		s.codec.Close()
		close(s.done)
		return fmt.Errorf("encoder: attach tee: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.in, s.tee, s.w, s.cancel = in, out, w, cancel

	slog.Info("encoder: started", "format", s.cfg.Format.String(), "bitrate", s.cfg.BitRate)
	go s.run(ctx)
	return nil
}

// Breaker returns the breaker guarding codec calls.
func (s *Stage) Breaker() *resilience.Breaker { return s.breaker }

// Tee returns the AAC tee, or nil before Start.
func (s *Stage) Tee() *tee.Tee { return s.tee }

// Done is closed when the encode loop has exited and the output pipe is
// closed.
func (s *Stage) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of the encode loop. Cancellation and a
// clean end of input yield nil.
func (s *Stage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop cancels the loop and waits up to timeout for it to drain. A codec
// that does not respond is closed to unblock the loop.
func (s *Stage) Stop(timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
	}
	slog.Warn("encoder: drain timed out, closing codec", "timeout", timeout)
	s.codec.Close()
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.New("encoder: loop did not exit")
	}
}

// BytesIn returns the PCM bytes queued into the codec.
func (s *Stage) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the ADTS bytes produced.
func (s *Stage) BytesOut() int64 { return s.bytesOut.Load() }

// Packets returns the number of ADTS frames produced.
func (s *Stage) Packets() int64 { return s.packets.Load() }

// Ratio returns BytesOut/BytesIn, or 0 before any input.
func (s *Stage) Ratio() float64 {
	in := s.bytesIn.Load()
	if in == 0 {
		return 0
	}
	return float64(s.bytesOut.Load()) / float64(in)
}

func (s *Stage) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stage) run(ctx context.Context) {
	defer close(s.done)
	defer s.in.Close()
	defer s.w.Close()
	defer s.codec.Close()

	if err := s.loop(ctx); err != nil {
		slog.Error("encoder: stopped with error", "err", err)
		s.fail(err)
		return
	}
	slog.Info("encoder: stopped", "bytes_in", s.bytesIn.Load(), "bytes_out", s.bytesOut.Load(), "ratio", s.Ratio())
}

func (s *Stage) loop(ctx context.Context) error {
	frame := s.cfg.Format.FrameSize()
	var pending []byte
	var cancelledAt time.Time
	started := time.Now()
	checked := s.ratioAfter <= 0

	for {
		buf, err := s.codec.Input(codec.DefaultWait)
		switch {
		case errors.Is(err, codec.ErrTryAgain):
			if err := s.drain(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				// Without a free buffer the EOS marker cannot be queued.
				if cancelledAt.IsZero() {
					cancelledAt = time.Now()
				} else if time.Since(cancelledAt) > s.drainTimeout {
					slog.Warn("encoder: no input buffer for end of stream")
					return nil
				}
			}
			continue
		case errors.Is(err, codec.ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("encoder: acquire input buffer: %w", err)
		}

		n := copy(buf.Data, pending)
		pending = pending[:0]
		eos := ctx.Err() != nil
		if !eos {
			m, rerr := s.in.ReadContext(ctx, buf.Data[n:])
			n += m
			if rerr != nil {
				// EOF, a closed consumer or cancellation all end the input.
				if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, pipe.ErrClosed) && ctx.Err() == nil {
					slog.Warn("encoder: read pcm", "err", rerr)
				}
				eos = true
			}
		}
		if !eos {
			aligned := n - n%frame
			pending = append(pending, buf.Data[aligned:n]...)
			n = aligned
		}

		if err := s.call(func() error { return s.codec.Queue(buf, n, eos) }); err != nil {
			switch {
			case errors.Is(err, codec.ErrClosed):
				return nil
			case errors.Is(err, ErrCodec):
				return err
			}
			// The chunk is lost; the breaker decides when to give up.
			slog.Warn("encoder: queue input", "err", err, "bytes", n)
			if eos {
				return nil
			}
			continue
		}
		s.bytesIn.Add(int64(n))
		if s.metrics != nil {
			s.metrics.EncoderBytesIn.Add(context.Background(), int64(n))
		}

		if eos {
			return s.drainEOS()
		}
		if err := s.drain(); err != nil {
			return err
		}
		if !checked && time.Since(started) >= s.ratioAfter {
			checked = true
			if err := s.checkRatio(); err != nil {
				return err
			}
		}
	}
}

// call runs fn through the breaker and converts an open breaker into
// [ErrCodec].
func (s *Stage) call(fn func() error) error {
	err := s.breaker.Do(fn)
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrCodec, s.breaker.LastError())
	}
	return err
}

// drain emits every output packet that is ready now. End of stream is not
// queued yet, so an EOS packet means the codec gave up on its own.
func (s *Stage) drain() error {
	for {
		var p codec.Packet
		err := s.call(func() (err error) {
			p, err = s.codec.Output(0)
			return err
		})
		switch {
		case errors.Is(err, codec.ErrTryAgain), errors.Is(err, codec.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		if p.EOS {
			return fmt.Errorf("%w: output ended before end of stream", ErrCodec)
		}
		if err := s.emit(p.Data); err != nil {
			return err
		}
	}
}

// drainEOS emits output until the codec reports end of stream or the drain
// timeout expires.
func (s *Stage) drainEOS() error {
	deadline := time.Now().Add(s.drainTimeout)
	for time.Now().Before(deadline) {
		var p codec.Packet
		err := s.call(func() (err error) {
			p, err = s.codec.Output(codec.DefaultWait)
			return err
		})
		switch {
		case errors.Is(err, codec.ErrTryAgain):
			continue
		case errors.Is(err, codec.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		if p.EOS {
			return nil
		}
		if err := s.emit(p.Data); err != nil {
			return err
		}
	}
	slog.Warn("encoder: end of stream not confirmed", "timeout", s.drainTimeout)
	return nil
}

// emit writes one ADTS frame to the output pipe.
func (s *Stage) emit(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	h := s.tmpl
	h.FrameLength = adts.HeaderSize + len(payload)
	if h.FrameLength > adts.MaxFrameLength {
		return fmt.Errorf("%w: payload of %d bytes", adts.ErrFrameLength, len(payload))
	}
	s.frame = h.Append(s.frame[:0])
	s.frame = append(s.frame, payload...)

	// Frames enter the pipe whole or not at all.
	ok, err := s.w.WriteAllTimeout(s.frame, s.drainTimeout)
	if err != nil {
		return fmt.Errorf("encoder: write: %w", err)
	}
	if !ok {
		return fmt.Errorf("encoder: output pipe blocked for %s", s.drainTimeout)
	}
	total := int64(h.FrameLength)
	s.bytesOut.Add(total)
	s.packets.Add(1)
	if s.metrics != nil {
		s.metrics.EncoderBytesOut.Add(context.Background(), total)
	}
	return nil
}

// checkRatio warns when the output bit rate is off target and fails when
// the codec took input but produced nothing.
func (s *Stage) checkRatio() error {
	if s.bytesIn.Load() > 0 && s.bytesOut.Load() == 0 {
		return fmt.Errorf("%w: no output after %d input bytes", ErrCodec, s.bytesIn.Load())
	}
	target := s.cfg.TargetRatio()
	got := s.Ratio()
	if target == 0 || got == 0 {
		return nil
	}
	if dev := got/target - 1; dev < -0.1 || dev > 0.1 {
		slog.Warn("encoder: output bit rate deviates from target",
			"ratio", got, "target", target, "deviation", dev)
		return nil
	}
	slog.Debug("encoder: bit rate within tolerance", "ratio", got, "target", target)
	return nil
}
