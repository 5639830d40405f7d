// Package mp3file replays an MP3 file as an [audio.Source] at real-time
// pace, optionally looping. go-mp3 always decodes to 16-bit stereo, which is
// what the pipeline streams.
package mp3file

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

const period = 10 * time.Millisecond

// Source plays an MP3 file.
type Source struct {
	path string
	loop bool

	mu      sync.Mutex
	file    *os.File
	dec     *mp3.Decoder
	format  audio.Format
	cb      func([]byte)
	onErr   func(error)
	gain    float64
	stop    chan struct{}
	done    chan struct{}
	device  int
	started bool
}

var (
	_ audio.Source        = (*Source)(nil)
	_ audio.ErrorNotifier = (*Source)(nil)
)

// New returns a source for the file at path. When loop is set, playback
// restarts at the beginning after the last frame.
func New(path string, loop bool) *Source {
	return &Source{path: path, loop: loop, gain: 1, format: audio.CD}
}

// Prepare opens and probes the file.
func (s *Source) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == audio.DeviceNone {
		return errors.New("mp3file: no recording device selected")
	}
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("mp3file: %w: %v", audio.ErrPermissionDenied, err)
		}
		return fmt.Errorf("mp3file: open %q: %w", s.path, err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("mp3file: decode %q: %w", s.path, err)
	}
	s.file, s.dec = f, dec
	s.format = audio.Format{SampleRate: dec.SampleRate(), Channels: 2, BitsPerSample: 16}
	slog.Debug("mp3file: prepared", "path", s.path, "format", s.format.String(), "length_bytes", dec.Length())
	return nil
}

// Start implements [audio.Source].
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return audio.ErrNotPrepared
	}
	if s.started {
		return nil
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.dec, s.stop, s.done)
	return nil
}

func (s *Source) run(dec *mp3.Decoder, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, s.format.AlignDown(s.format.ByteRate()*int(period)/int(time.Second)))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, err := io.ReadFull(dec, buf)
		if n > 0 {
			out := buf[:s.format.AlignDown(n)]
			s.mu.Lock()
			cb, gain := s.cb, s.gain
			s.mu.Unlock()
			audio.ApplyGain16(out, gain)
			if cb != nil {
				cb(out)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.mu.Lock()
			onErr := s.onErr
			s.mu.Unlock()
			slog.Warn("mp3file: decode failed", "path", s.path, "err", err)
			if onErr != nil {
				onErr(fmt.Errorf("mp3file: decode %q: %w", s.path, err))
			}
			<-stop
			return
		}
		if err != nil {
			if !s.loop {
				slog.Info("mp3file: end of file", "path", s.path)
				<-stop
				return
			}
			if _, err := dec.Seek(0, io.SeekStart); err != nil {
				slog.Warn("mp3file: rewind failed", "path", s.path, "err", err)
				<-stop
				return
			}
		}
	}
}

// Stop implements [audio.Source]. It also closes the file; Prepare must be
// called again before the next Start.
func (s *Source) Stop() error {
	s.mu.Lock()
	stop, done, f := s.stop, s.done, s.file
	s.stop, s.done, s.file, s.dec = nil, nil, nil, nil
	s.started = false
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// SetGainDB implements [audio.Source].
func (s *Source) SetGainDB(db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = audio.GainFactor(db)
}

// SetRecordingDevice implements [audio.Source].
func (s *Source) SetRecordingDevice(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = id
}

// SetPlaybackDevice implements [audio.Source]; monitoring is done by the
// pipeline.
func (s *Source) SetPlaybackDevice(int) {}

// SetLowLatency implements [audio.Source].
func (s *Source) SetLowLatency(bool) {}

// Format implements [audio.Source]. It is only accurate after Prepare.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// OnFrame implements [audio.Source].
func (s *Source) OnFrame(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = fn
}

// OnError implements [audio.ErrorNotifier]. It fires when the file cannot
// be decoded any further.
func (s *Source) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onErr = fn
}

// Info implements [audio.Describer].
func (s *Source) Info() audio.Info {
	return audio.Info{API: "mp3file", Device: s.path}
}
