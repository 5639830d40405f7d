// Package visualizer turns the live PCM stream into a coarse spectrum for
// level meters in a UI.
//
// A [Tap] reads a drop-oldest tee consumer, mixes each frame down to mono
// and feeds an [STFT]. A render ticker publishes the first Bins dB values of
// the averaged spectrum to a [Listeners] set, which outlives sessions.
package visualizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// Defaults.
const (
	DefaultFFTLength = 256
	DefaultBins      = 16
	DefaultInterval  = 66 * time.Millisecond
)

// Listener receives one spectrum frame. It must return quickly; slow
// listeners should drop frames themselves.
type Listener func(bins []float64)

// Listeners is a concurrency-safe listener set.
type Listeners struct {
	mu sync.RWMutex
	m  map[string]Listener
}

// Add registers fn and returns a function that removes it.
func (l *Listeners) Add(fn Listener) (remove func()) {
	id := uuid.NewString()
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]Listener)
	}
	l.m[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.m, id)
		l.mu.Unlock()
	}
}

// Len returns the number of listeners.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}

// Emit calls every listener with its own copy of bins.
func (l *Listeners) Emit(bins []float64) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.m))
	for _, fn := range l.m {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(append([]float64(nil), bins...))
	}
}

// Stream is the PCM input of a tap, usually a *tee.Consumer.
type Stream interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

// Config configures a [Tap].
type Config struct {
	FFTLength int
	Bins      int
	Interval  time.Duration

	// ReadSize is the read buffer size in bytes.
	ReadSize int
}

func (c *Config) defaults() {
	if c.FFTLength <= 0 {
		c.FFTLength = DefaultFFTLength
	}
	if c.Bins <= 0 {
		c.Bins = DefaultBins
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 8192
	}
}

// Tap runs the feed and render loops of one session.
type Tap struct {
	in     Stream
	format audio.Format
	cfg    Config
	stft   *STFT
	out    *Listeners

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a tap reading 16-bit PCM of format f from in and publishing to
// out.
func New(in Stream, f audio.Format, cfg Config, out *Listeners) (*Tap, error) {
	if f.BitsPerSample != 16 {
		return nil, fmt.Errorf("visualizer: %d-bit PCM is not supported", f.BitsPerSample)
	}
	if f.Channels < 1 {
		return nil, errors.New("visualizer: no channels")
	}
	cfg.defaults()
	stft := NewSTFT(cfg.FFTLength)
	cfg.Bins = min(cfg.Bins, stft.Bins())
	return &Tap{in: in, format: f, cfg: cfg, stft: stft, out: out}, nil
}

// Start launches the loops.
func (t *Tap) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(2)
	go t.feed(ctx)
	go t.render(ctx)
	slog.Debug("visualizer: started", "fft_length", t.cfg.FFTLength, "bins", t.cfg.Bins, "interval", t.cfg.Interval)
}

// Stop ends both loops and closes the input. It waits at most timeout.
func (t *Tap) Stop(timeout time.Duration) error {
	if t.cancel == nil {
		return t.in.Close()
	}
	t.cancel()
	err := t.in.Close()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-time.After(timeout):
		return errors.New("visualizer: loops did not exit")
	}
}

func (t *Tap) feed(ctx context.Context) {
	defer t.wg.Done()
	frame := t.format.FrameSize()
	buf := make([]byte, t.cfg.ReadSize)
	var carry []byte
	var mono []float64
	for {
		n, err := t.in.ReadContext(ctx, buf)
		if n > 0 {
			pcm := buf[:n]
			if len(carry) > 0 {
				carry = append(carry, pcm...)
				pcm = carry
			}
			whole := len(pcm) - len(pcm)%frame
			mono = audio.MixDown16(mono[:0], pcm[:whole], t.format.Channels)
			t.stft.Feed(mono)
			carry = append(carry[:0], pcm[whole:]...)
		}
		if err != nil {
			return
		}
	}
}

func (t *Tap) render(ctx context.Context) {
	defer t.wg.Done()
	tick := time.NewTicker(t.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			db := t.stft.SpectrumDB()
			t.out.Emit(db[:t.cfg.Bins])
		}
	}
}
