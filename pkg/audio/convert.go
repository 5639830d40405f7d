package audio

import (
	"encoding/binary"
	"math"
)

// MinGainDB and MaxGainDB bound the gain accepted by sources.
const (
	MinGainDB = -10.0
	MaxGainDB = 10.0
)

// GainFactor converts a gain in decibels to a linear amplitude factor.
// The value is clamped to [MinGainDB, MaxGainDB] first.
func GainFactor(db float64) float64 {
	db = max(MinGainDB, min(MaxGainDB, db))
	return math.Pow(10, db/20)
}

// ApplyGain16 scales 16-bit little-endian PCM in place by factor, clipping to
// the int16 range. A factor of 1 leaves pcm untouched.
func ApplyGain16(pcm []byte, factor float64) {
	if factor == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		v := math.Round(s * factor)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}

// MixDown16 appends one mono float sample per frame of 16-bit interleaved
// PCM to dst, averaging all channels. Samples are normalised to [-1, 1).
func MixDown16(dst []float64, pcm []byte, channels int) []float64 {
	if channels <= 0 {
		return dst
	}
	frame := channels * 2
	for off := 0; off+frame <= len(pcm); off += frame {
		var sum int32
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off+c*2:])))
		}
		dst = append(dst, float64(sum/int32(channels))/32768)
	}
	return dst
}

// Int16sToBytes encodes samples as little-endian PCM.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
