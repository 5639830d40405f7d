// Package adts builds, parses and splits AAC Audio Data Transport Stream
// frames. Only the 7-byte header without CRC is produced; parsing also accepts
// the 9-byte CRC form.
package adts

import (
	"errors"
	"fmt"
)

// HeaderSize is the length of an ADTS header without CRC.
const HeaderSize = 7

// MaxFrameLength is the largest value the 13-bit frame length field holds.
const MaxFrameLength = 1<<13 - 1

// ProfileLC is the MPEG-4 audio object type for AAC Low Complexity.
const ProfileLC = 2

var (
	// ErrSync is returned when a header does not start with the ADTS syncword.
	ErrSync = errors.New("adts: missing syncword")

	// ErrFrameLength is returned when a frame length is out of range.
	ErrFrameLength = errors.New("adts: invalid frame length")

	// ErrSampleRate is returned for sample rates without an ADTS index.
	ErrSampleRate = errors.New("adts: unsupported sample rate")
)

var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000,
	22050, 16000, 12000, 11025, 8000, 7350,
}

// SampleRateIndex returns the ADTS sampling frequency index for rate.
func SampleRateIndex(rate int) (int, error) {
	for i, r := range sampleRates {
		if r == rate {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %d Hz", ErrSampleRate, rate)
}

// SampleRate returns the rate for an ADTS sampling frequency index.
func SampleRate(index int) (int, error) {
	if index < 0 || index >= len(sampleRates) {
		return 0, fmt.Errorf("%w: index %d", ErrSampleRate, index)
	}
	return sampleRates[index], nil
}

// Header holds the fields of an ADTS header that vary per stream or frame.
type Header struct {
	// Profile is the MPEG-4 audio object type; 2 is AAC-LC.
	Profile         int
	SampleRateIndex int
	ChannelConfig   int

	// FrameLength is the whole frame length including the header.
	FrameLength int

	// CRC reports whether the parsed header carries a 2-byte CRC.
	CRC bool
}

// NewHeader returns an AAC-LC header for the given stream parameters and
// payload length.
func NewHeader(sampleRate, channels, payloadLen int) (Header, error) {
	idx, err := SampleRateIndex(sampleRate)
	if err != nil {
		return Header{}, err
	}
	if channels < 1 || channels > 7 {
		return Header{}, fmt.Errorf("adts: unsupported channel count %d", channels)
	}
	h := Header{Profile: ProfileLC, SampleRateIndex: idx, ChannelConfig: channels, FrameLength: HeaderSize + payloadLen}
	if h.FrameLength > MaxFrameLength {
		return Header{}, fmt.Errorf("%w: %d", ErrFrameLength, h.FrameLength)
	}
	return h, nil
}

// HeaderLen returns the header length in bytes.
func (h Header) HeaderLen() int {
	if h.CRC {
		return HeaderSize + 2
	}
	return HeaderSize
}

// PayloadLen returns FrameLength minus the header.
func (h Header) PayloadLen() int { return h.FrameLength - h.HeaderLen() }

// Put writes the 7-byte header into b, which must be at least HeaderSize
// long.
func (h Header) Put(b []byte) {
	fl := h.FrameLength
	b[0] = 0xFF
	b[1] = 0xF9
	b[2] = byte((h.Profile-1)<<6 | h.SampleRateIndex<<2 | h.ChannelConfig>>2)
	b[3] = byte((h.ChannelConfig&3)<<6 | fl>>11)
	b[4] = byte(fl >> 3)
	b[5] = byte((fl&7)<<5 | 0x1F)
	b[6] = 0xFC
}

// Append appends the 7-byte header to dst.
func (h Header) Append(dst []byte) []byte {
	var b [HeaderSize]byte
	h.Put(b[:])
	return append(dst, b[:]...)
}

// Parse decodes the header at the start of b.
func Parse(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("adts: short header: %d bytes", len(b))
	}
	if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return Header{}, ErrSync
	}
	h := Header{
		CRC:             b[1]&0x01 == 0,
		Profile:         int(b[2]>>6) + 1,
		SampleRateIndex: int(b[2]>>2) & 0x0F,
		ChannelConfig:   int(b[2]&0x01)<<2 | int(b[3]>>6),
		FrameLength:     int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5),
	}
	if h.FrameLength < h.HeaderLen() {
		return Header{}, fmt.Errorf("%w: %d", ErrFrameLength, h.FrameLength)
	}
	return h, nil
}

// CompleteFrames returns the length of the longest prefix of p that consists
// of complete ADTS frames. Leading bytes that are not a frame are counted as
// consumable up to the next syncword so that a corrupt stream cannot stall
// its reader.
func CompleteFrames(p []byte) int {
	off := 0
	for off < len(p) {
		if len(p)-off < HeaderSize {
			return off
		}
		h, err := Parse(p[off:])
		if err != nil {
			next := nextSync(p, off+1)
			if next < 0 {
				return off
			}
			off = next
			continue
		}
		if off+h.FrameLength > len(p) {
			return off
		}
		off += h.FrameLength
	}
	return off
}

func nextSync(p []byte, from int) int {
	for i := from; i+1 < len(p); i++ {
		if p[i] == 0xFF && p[i+1]&0xF0 == 0xF0 {
			return i
		}
	}
	return -1
}
