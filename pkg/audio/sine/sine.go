// Package sine provides a synthetic [audio.Source] that plays a steady tone
// at real-time pace. It stands in for a turntable in demos and end-to-end
// tests.
package sine

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// Option configures a [Source].
type Option func(*Source)

// WithFrequency sets the tone frequency in Hz. Default: 1000.
func WithFrequency(hz float64) Option {
	return func(s *Source) { s.freq = hz }
}

// WithAmplitude sets the peak amplitude as a fraction of full scale.
// Default: 0.5.
func WithAmplitude(a float64) Option {
	return func(s *Source) { s.amp = a }
}

// WithFormat sets the sample rate and channel count; samples are always
// 16-bit.
func WithFormat(sampleRate, channels int) Option {
	return func(s *Source) {
		s.format = audio.Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16}
	}
}

// WithDuration stops emitting after d of audio. Zero means forever.
func WithDuration(d time.Duration) Option {
	return func(s *Source) { s.duration = d }
}

// WithPeriod sets the callback period. Default: 10ms.
func WithPeriod(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.period = d
		}
	}
}

// Source generates a sine wave.
type Source struct {
	freq     float64
	amp      float64
	format   audio.Format
	duration time.Duration
	period   time.Duration

	mu       sync.Mutex
	cb       func([]byte)
	gain     float64
	device   int
	prepared bool
	stop     chan struct{}
	done     chan struct{}
}

var _ audio.Source = (*Source)(nil)

// New returns a 1 kHz, half-scale, 48 kHz stereo tone.
func New(opts ...Option) *Source {
	s := &Source{
		freq:   1000,
		amp:    0.5,
		format: audio.CD,
		period: 10 * time.Millisecond,
		gain:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleAt returns the sample value of frame n before gain.
func (s *Source) SampleAt(n int64) int16 {
	v := s.amp * math.MaxInt16 * math.Sin(2*math.Pi*s.freq*float64(n)/float64(s.format.SampleRate))
	return int16(math.Round(v))
}

// Prepare implements [audio.Source].
func (s *Source) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == audio.DeviceNone {
		return errors.New("sine: no recording device selected")
	}
	if err := s.format.Validate(); err != nil {
		return err
	}
	s.prepared = true
	return nil
}

// Start implements [audio.Source].
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return audio.ErrNotPrepared
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *Source) run(stop, done chan struct{}) {
	defer close(done)
	perBuf := int64(s.format.SampleRate) * int64(s.period) / int64(time.Second)
	var limit int64 = -1
	if s.duration > 0 {
		limit = int64(s.format.SampleRate) * int64(s.duration) / int64(time.Second)
	}
	buf := make([]byte, int(perBuf)*s.format.FrameSize())
	samples := make([]int16, int(perBuf)*s.format.Channels)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	var n int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		frames := perBuf
		if limit >= 0 {
			frames = min(frames, limit-n)
			if frames <= 0 {
				continue
			}
		}
		for i := range frames {
			v := s.SampleAt(n + i)
			for c := range s.format.Channels {
				samples[int(i)*s.format.Channels+c] = v
			}
		}
		n += frames
		out := buf[:int(frames)*s.format.FrameSize()]
		copy(out, audio.Int16sToBytes(samples[:int(frames)*s.format.Channels]))

		s.mu.Lock()
		cb, gain := s.cb, s.gain
		s.mu.Unlock()
		audio.ApplyGain16(out, gain)
		if cb != nil {
			cb(out)
		}
	}
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
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

// SetPlaybackDevice implements [audio.Source]; the tone has no monitor path.
func (s *Source) SetPlaybackDevice(int) {}

// SetLowLatency implements [audio.Source]; the period already bounds latency.
func (s *Source) SetLowLatency(bool) {}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// OnFrame implements [audio.Source].
func (s *Source) OnFrame(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = fn
}

// Info implements [audio.Describer].
func (s *Source) Info() audio.Info {
	return audio.Info{API: "sine"}
}
