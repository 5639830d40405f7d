// Package codec defines the buffer-oriented audio encoder contract consumed by
// the encoder stage.
//
// A [Codec] hands out input buffers with a bounded wait, accepts filled
// buffers, and returns encoded payloads one access unit at a time. End of
// stream is signalled by queueing a buffer with eos set; the codec then
// flushes and finally returns a [Packet] with EOS set.
package codec

import (
	"errors"
	"time"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// MIMEAAC is the MIME type requested for AAC output.
const MIMEAAC = "audio/mp4a-latm"

// Defaults for AAC-LC encoding.
const (
	DefaultBitRate      = 192000
	DefaultMaxInputSize = 192 * 1024
	DefaultWait         = 10 * time.Millisecond
)

// SamplesPerFrame is the number of PCM samples per channel in one AAC-LC
// access unit.
const SamplesPerFrame = 1024

var (
	// ErrTryAgain is returned by Input and Output when nothing is available
	// within the timeout.
	ErrTryAgain = errors.New("codec: try again")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("codec: closed")

	// ErrNotConfigured is returned when the codec is used before Configure.
	ErrNotConfigured = errors.New("codec: not configured")
)

// Config describes the requested encoding.
type Config struct {
	MIME         string
	Profile      int
	Format       audio.Format
	BitRate      int
	MaxInputSize int
}

// DefaultConfig returns the AAC-LC configuration for f.
func DefaultConfig(f audio.Format) Config {
	return Config{
		MIME:         MIMEAAC,
		Profile:      2,
		Format:       f,
		BitRate:      DefaultBitRate,
		MaxInputSize: DefaultMaxInputSize,
	}
}

// TargetRatio is the expected encoded-to-PCM byte ratio.
func (c Config) TargetRatio() float64 {
	pcm := c.Format.BitRate()
	if pcm == 0 {
		return 0
	}
	return float64(c.BitRate) / float64(pcm)
}

// Buffer is an input buffer lent out by [Codec.Input].
type Buffer struct {
	// Index identifies the buffer to the codec.
	Index int

	// Data has len == capacity; fill a prefix and pass its length to Queue.
	Data []byte
}

// Packet is one encoded access unit, or the end-of-stream marker.
type Packet struct {
	// Data is the raw codec payload without container framing.
	Data []byte

	// EOS marks the last packet; Data may be empty.
	EOS bool
}

// Codec is an audio encoder.
type Codec interface {
	// Configure prepares the codec. It must be called once before use.
	Configure(cfg Config) error

	// Input waits up to timeout for a free input buffer.
	Input(timeout time.Duration) (*Buffer, error)

	// Queue submits the first n bytes of buf. eos marks the end of input.
	Queue(buf *Buffer, n int, eos bool) error

	// Output waits up to timeout for the next encoded packet.
	Output(timeout time.Duration) (Packet, error)

	// Close releases the codec and unblocks pending calls.
	Close() error
}
