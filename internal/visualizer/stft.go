package visualizer

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
)

// MinDB is the floor reported for bins without energy.
const MinDB = -144.0

// STFT is a short-time Fourier transform over consecutive, non-overlapping
// Hann-windowed blocks of mono samples. Power spectra of all blocks fed since
// the last [STFT.SpectrumDB] call are averaged. It is safe for one feeder
// and one reader to use concurrently.
type STFT struct {
	length int
	window []float64
	norm   float64

	mu    sync.Mutex
	block []float64
	frame []float64
	sum   []float64
	count int
	last  []float64
}

// NewSTFT returns a transform of the given block length, which must be a
// power of two of at least 4.
func NewSTFT(length int) *STFT {
	if length < 4 || length&(length-1) != 0 {
		length = 256
	}
	s := &STFT{
		length: length,
		window: make([]float64, length),
		block:  make([]float64, 0, length),
		frame:  make([]float64, length),
		sum:    make([]float64, length/2+1),
		last:   make([]float64, length/2+1),
	}
	var wsum float64
	for i := range s.window {
		s.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(length-1)))
		wsum += s.window[i]
	}
	// A full-scale sine then reads 0 dB in its bin.
	s.norm = 2 / wsum
	for i := range s.last {
		s.last[i] = MinDB
	}
	return s
}

// Len returns the block length.
func (s *STFT) Len() int { return s.length }

// Bins returns the number of spectrum bins, Len/2+1.
func (s *STFT) Bins() int { return s.length/2 + 1 }

// Feed appends mono samples in [-1, 1] and transforms every completed block.
func (s *STFT) Feed(samples []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(samples) > 0 {
		n := min(s.length-len(s.block), len(samples))
		s.block = append(s.block, samples[:n]...)
		samples = samples[n:]
		if len(s.block) == s.length {
			s.transformLocked()
			s.block = s.block[:0]
		}
	}
}

func (s *STFT) transformLocked() {
	for i, v := range s.block {
		s.frame[i] = v * s.window[i]
	}
	spectrum := fft.FFTReal(s.frame)
	for k := range s.sum {
		a := cmplx.Abs(spectrum[k]) * s.norm
		s.sum[k] += a * a
	}
	s.count++
}

// SpectrumDB returns the averaged power spectrum in dB relative to full
// scale. Without new blocks since the previous call it repeats the previous
// result.
func (s *STFT) SpectrumDB() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		for k, p := range s.sum {
			db := MinDB
			if avg := p / float64(s.count); avg > 0 {
				db = max(10*math.Log10(avg), MinDB)
			}
			s.last[k] = db
			s.sum[k] = 0
		}
		s.count = 0
	}
	return append([]float64(nil), s.last...)
}
