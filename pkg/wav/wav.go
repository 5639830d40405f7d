// Package wav writes and parses the 44-byte streaming form of the RIFF/WAVE
// header, in which both chunk sizes are 0xFFFFFFFF because the stream length
// is unknown.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// HeaderSize is the length of a canonical PCM WAV header.
const HeaderSize = 44

// UnknownSize is written into both RIFF and data chunk size fields.
const UnknownSize = 0xFFFFFFFF

const formatPCM = 1

// ErrInvalidHeader is returned by [ParseHeader] for malformed input.
var ErrInvalidHeader = errors.New("wav: invalid header")

// Header returns the streaming WAV header for f.
func Header(f audio.Format) []byte {
	h := make([]byte, HeaderSize)
	le := binary.LittleEndian

	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], UnknownSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], 16)
	le.PutUint16(h[20:22], formatPCM)
	le.PutUint16(h[22:24], uint16(f.Channels))
	le.PutUint32(h[24:28], uint32(f.SampleRate))
	le.PutUint32(h[28:32], uint32(f.ByteRate()))
	le.PutUint16(h[32:34], uint16(f.FrameSize()))
	le.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	le.PutUint32(h[40:44], UnknownSize)
	return h
}

// ParseHeader decodes the PCM format from a canonical 44-byte header.
func ParseHeader(h []byte) (audio.Format, error) {
	if len(h) < HeaderSize {
		return audio.Format{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(h), HeaderSize)
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[12:16]) != "fmt " || string(h[36:40]) != "data" {
		return audio.Format{}, fmt.Errorf("%w: missing chunk markers", ErrInvalidHeader)
	}
	le := binary.LittleEndian
	if tag := le.Uint16(h[20:22]); tag != formatPCM {
		return audio.Format{}, fmt.Errorf("%w: format tag %d is not PCM", ErrInvalidHeader, tag)
	}
	f := audio.Format{
		Channels:      int(le.Uint16(h[22:24])),
		SampleRate:    int(le.Uint32(h[24:28])),
		BitsPerSample: int(le.Uint16(h[34:36])),
	}
	if err := f.Validate(); err != nil {
		return audio.Format{}, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if int(le.Uint32(h[28:32])) != f.ByteRate() || int(le.Uint16(h[32:34])) != f.FrameSize() {
		return audio.Format{}, fmt.Errorf("%w: byte rate or block align inconsistent with %s", ErrInvalidHeader, f)
	}
	return f, nil
}
