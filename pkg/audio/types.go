// Package audio defines the PCM format, the capture source contract and the
// small sample-level helpers shared by every stage of the streaming pipeline.
//
// PCM in this package is always interleaved little-endian signed integers.
// Buffers handed between stages hold whole frames; a frame is one sample per
// channel.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Device identifiers understood by [Source.SetRecordingDevice] and
// [Source.SetPlaybackDevice]. Any positive value is implementation specific.
const (
	// DeviceNone disables the device. For playback it also suppresses audio
	// focus acquisition.
	DeviceNone = -1

	// DeviceAuto lets the source pick its default device.
	DeviceAuto = 0
)

// Format describes a PCM stream. It is immutable for the life of a session.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CD is 48 kHz stereo 16-bit, the format every bundled source produces by
// default.
var CD = Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// FrameSize returns the number of bytes in one interleaved frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate returns the number of PCM bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// BitRate returns the number of PCM bits per second.
func (f Format) BitRate() int {
	return f.ByteRate() * 8
}

// Validate reports whether f describes a usable PCM stream.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels <= 0 || f.Channels > 0xFFFF {
		errs = append(errs, fmt.Errorf("channel count %d is out of range", f.Channels))
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		errs = append(errs, fmt.Errorf("bits per sample %d must be a positive multiple of 8", f.BitsPerSample))
	}
	return errors.Join(errs...)
}

// AlignDown truncates n to a whole number of frames.
func (f Format) AlignDown(n int) int {
	fs := f.FrameSize()
	if fs <= 0 {
		return n
	}
	return n - n%fs
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Encoding selects what HTTP listeners receive.
type Encoding string

const (
	// EncodingWAV streams raw PCM behind a streaming WAV header.
	EncodingWAV Encoding = "wav"

	// EncodingAAC streams AAC-LC in ADTS framing.
	EncodingAAC Encoding = "aac"
)

// IsValid reports whether e is a known encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingWAV, EncodingAAC:
		return true
	}
	return false
}

// ContentType returns the MIME type served to listeners.
func (e Encoding) ContentType() string {
	if e == EncodingAAC {
		return "audio/aac"
	}
	return "audio/wav"
}

// ParseEncoding parses a case-insensitive encoding name.
func ParseEncoding(s string) (Encoding, error) {
	e := Encoding(strings.ToLower(strings.TrimSpace(s)))
	if !e.IsValid() {
		return "", fmt.Errorf("audio: unknown encoding %q", s)
	}
	return e, nil
}
