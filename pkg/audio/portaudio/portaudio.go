// Package portaudio captures line-in audio through PortAudio.
//
// Device ids follow the pipeline convention: [audio.DeviceAuto] selects the
// host default input, a positive id selects the (id-1)-th device returned by
// portaudio.Devices.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// framesPerBuffer is the PortAudio callback size at 48 kHz (5 ms).
const framesPerBuffer = 240

// Source is a PortAudio capture stream.
type Source struct {
	format audio.Format

	mu         sync.Mutex
	device     int
	lowLatency bool
	gain       float64
	cb         func([]byte)
	stream     *portaudio.Stream
	devName    string
	buf        []byte
	running    bool
}

var _ audio.Source = (*Source)(nil)

// New returns a 16-bit capture source for the given rate and channel count.
func New(sampleRate, channels int) *Source {
	return &Source{
		format: audio.Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16},
		gain:   1,
	}
}

// Prepare initialises PortAudio and opens the input stream.
func (s *Source) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == audio.DeviceNone {
		return errors.New("portaudio: no recording device selected")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := s.inputDevice()
	if err != nil {
		portaudio.Terminate()
		return err
	}
	var params portaudio.StreamParameters
	if s.lowLatency {
		params = portaudio.LowLatencyParameters(dev, nil)
	} else {
		params = portaudio.HighLatencyParameters(dev, nil)
	}
	params.Input.Channels = s.format.Channels
	params.SampleRate = float64(s.format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	s.buf = make([]byte, framesPerBuffer*s.format.FrameSize())
	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		portaudio.Terminate()
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return fmt.Errorf("portaudio: %w: %v", audio.ErrPermissionDenied, err)
		}
		return fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	s.stream = stream
	s.devName = dev.Name
	slog.Info("portaudio: input prepared", "device", dev.Name, "format", s.format.String(), "low_latency", s.lowLatency)
	return nil
}

// inputDevice resolves the configured id. Must be called with s.mu held.
func (s *Source) inputDevice() (*portaudio.DeviceInfo, error) {
	if s.device == audio.DeviceAuto {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w", err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if s.device > len(devs) {
		return nil, fmt.Errorf("portaudio: device %d not found (%d devices)", s.device, len(devs))
	}
	dev := devs[s.device-1]
	if dev.MaxInputChannels < s.format.Channels {
		return nil, fmt.Errorf("portaudio: device %q has %d input channels, need %d", dev.Name, dev.MaxInputChannels, s.format.Channels)
	}
	return dev, nil
}

// process runs on the PortAudio callback thread.
func (s *Source) process(in []int16) {
	s.mu.Lock()
	cb, gain, buf := s.cb, s.gain, s.buf
	s.mu.Unlock()
	if cb == nil || len(in)*2 > len(buf) {
		return
	}
	out := buf[:len(in)*2]
	for i, v := range in {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	audio.ApplyGain16(out, gain)
	cb(out)
}

// Start implements [audio.Source].
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return audio.ErrNotPrepared
	}
	if s.running {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w", err)
	}
	s.running = true
	return nil
}

// Stop stops and closes the stream and terminates PortAudio.
func (s *Source) Stop() error {
	s.mu.Lock()
	stream, running := s.stream, s.running
	s.stream, s.running = nil, false
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	var errs []error
	if running {
		errs = append(errs, stream.Stop())
	}
	errs = append(errs, stream.Close(), portaudio.Terminate())
	return errors.Join(errs...)
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

// SetPlaybackDevice implements [audio.Source]; the local monitor is a
// separate pipeline consumer.
func (s *Source) SetPlaybackDevice(int) {}

// SetLowLatency implements [audio.Source].
func (s *Source) SetLowLatency(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowLatency = enabled
}

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
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Info{API: "portaudio", Device: s.devName}
}
