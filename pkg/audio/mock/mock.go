// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock records every call and lets the test push frames through the
// registered callback with [Source.Emit]. Set the exported *Err fields to
// inject failures.
//
// Typical usage:
//
//	src := &mock.Source{FormatResult: audio.CD}
//	stage := capture.New(src, 8192)
//	stage.Prepare()
//	stage.Start()
//	src.Emit(pcm)
package mock

import (
	"sync"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to [audio.CD].
	FormatResult audio.Format

	// PrepareErr is returned by Prepare.
	PrepareErr error

	// StartErr is returned by Start.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// GainDB records the last value passed to SetGainDB.
	GainDB float64

	// RecordingDevice, PlaybackDevice and LowLatency record the last
	// configuration calls.
	RecordingDevice int
	PlaybackDevice  int
	LowLatency      bool

	// CallCountPrepare records how many times Prepare was called.
	CallCountPrepare int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	callback func([]byte)
	onError  func(error)
	running  bool
}

var (
	_ audio.Source        = (*Source)(nil)
	_ audio.ErrorNotifier = (*Source)(nil)
)

// Prepare implements [audio.Source].
func (s *Source) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPrepare++
	return s.PrepareErr
}

// Start implements [audio.Source].
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.running = true
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopErr
}

// SetGainDB implements [audio.Source].
func (s *Source) SetGainDB(db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GainDB = db
}

// SetRecordingDevice implements [audio.Source].
func (s *Source) SetRecordingDevice(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordingDevice = id
}

// SetPlaybackDevice implements [audio.Source].
func (s *Source) SetPlaybackDevice(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlaybackDevice = id
}

// SetLowLatency implements [audio.Source].
func (s *Source) SetLowLatency(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LowLatency = enabled
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.CD
	}
	return s.FormatResult
}

// OnFrame implements [audio.Source].
func (s *Source) OnFrame(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// OnError implements [audio.ErrorNotifier].
func (s *Source) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Fail reports err through the registered error callback and stops frame
// delivery, as a device that went away would. It reports whether a callback
// was invoked.
func (s *Source) Fail(err error) bool {
	s.mu.Lock()
	fn, running := s.onError, s.running
	s.running = false
	s.mu.Unlock()
	if !running || fn == nil {
		return false
	}
	fn(err)
	return true
}

// Emit delivers frame to the registered callback if the source is running.
// It reports whether the callback was invoked.
func (s *Source) Emit(frame []byte) bool {
	s.mu.Lock()
	cb, running := s.callback, s.running
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Running reports whether the source is between Start and Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Info implements [audio.Describer].
func (s *Source) Info() audio.Info {
	return audio.Info{API: "mock"}
}
