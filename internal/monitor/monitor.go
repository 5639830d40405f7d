// Package monitor plays the captured stream on the local output device so
// the operator can hear what listeners hear.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// Player is a started playback stream.
type Player interface {
	Play()
	Close() error
}

// PlayerFactory opens a player pulling PCM of format f from r.
type PlayerFactory func(f audio.Format, r io.Reader) (Player, error)

// Stream is the PCM input, usually a drop-oldest *tee.Consumer.
type Stream interface {
	io.Reader
	Buffered() int
	Close() error
}

var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat audio.Format
	otoErr    error
)

// OtoPlayer is the default [PlayerFactory]. oto allows a single context per
// process, so every session must use the format of the first one.
func OtoPlayer(f audio.Format, r io.Reader) (Player, error) {
	if f.BitsPerSample != 16 {
		return nil, fmt.Errorf("monitor: %d-bit playback is not supported", f.BitsPerSample)
	}
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = fmt.Errorf("monitor: open output: %w", err)
			return
		}
		<-ready
		otoCtx, otoFormat = ctx, f
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if f != otoFormat {
		return nil, fmt.Errorf("monitor: output is open at %s, cannot play %s", otoFormat, f)
	}
	return otoCtx.NewPlayer(r), nil
}

// Monitor owns the player of one session.
type Monitor struct {
	factory PlayerFactory

	mu     sync.Mutex
	player Player
	in     Stream
}

// New returns a monitor using factory, or [OtoPlayer] when nil.
func New(factory PlayerFactory) *Monitor {
	if factory == nil {
		factory = OtoPlayer
	}
	return &Monitor{factory: factory}
}

// Start plays in until Stop.
func (m *Monitor) Start(in Stream, f audio.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.player != nil {
		return errors.New("monitor: already started")
	}
	p, err := m.factory(f, &liveReader{in: in, frame: f.FrameSize()})
	if err != nil {
		return err
	}
	p.Play()
	m.player, m.in = p, in
	slog.Info("monitor: playing", "format", f.String())
	return nil
}

// Stop closes the player and the input. It is safe to call when stopped.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	p, in := m.player, m.in
	m.player, m.in = nil, nil
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return errors.Join(p.Close(), in.Close())
}

// liveReader never blocks the output device: when nothing is buffered it
// returns silence.
type liveReader struct {
	in    Stream
	frame int
}

func (r *liveReader) Read(p []byte) (int, error) {
	n := len(p) - len(p)%r.frame
	if n == 0 {
		return 0, nil
	}
	avail := r.in.Buffered()
	if avail == 0 {
		clear(p[:n])
		return n, nil
	}
	avail -= avail % r.frame
	if avail == 0 {
		avail = r.frame
	}
	return r.in.Read(p[:min(n, avail)])
}
