package visualizer_test

import (
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vinylcast/internal/visualizer"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/pipe"
)

func tone(n int, hz, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*hz*float64(i)/48000)
	}
	return out
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestSTFT_PeakAtToneBin(t *testing.T) {
	t.Parallel()
	s := visualizer.NewSTFT(256)
	s.Feed(tone(256*8, 1000, 0.5))

	db := s.SpectrumDB()
	if len(db) != 129 {
		t.Fatalf("len = %d, want 129", len(db))
	}
	// 48000/256 = 187.5 Hz per bin.
	if k := argmax(db); k != 5 {
		t.Errorf("peak bin = %d, want 5", k)
	}
	if db[5] > 0 || db[5] < -12 {
		t.Errorf("peak = %.1f dB, want about -6 dB", db[5])
	}
	if db[60] > db[5]-30 {
		t.Errorf("far bin = %.1f dB, peak = %.1f dB; not enough separation", db[60], db[5])
	}
}

func TestSTFT_SilenceAndRepeat(t *testing.T) {
	t.Parallel()
	s := visualizer.NewSTFT(64)
	for _, v := range s.SpectrumDB() {
		if v != visualizer.MinDB {
			t.Fatalf("initial spectrum has %f, want MinDB", v)
		}
	}
	s.Feed(make([]float64, 64))
	for _, v := range s.SpectrumDB() {
		if v != visualizer.MinDB {
			t.Fatalf("silence gives %f, want MinDB", v)
		}
	}

	s.Feed(tone(64, 3000, 1))
	first := s.SpectrumDB()
	if again := s.SpectrumDB(); !slices.Equal(first, again) {
		t.Error("spectrum changed without new input")
	}

	// A partial block is not transformed.
	s.Feed(tone(32, 6000, 1))
	if got := s.SpectrumDB(); !slices.Equal(first, got) {
		t.Error("partial block changed the spectrum")
	}
}

func TestNewSTFT_InvalidLength(t *testing.T) {
	t.Parallel()
	if n := visualizer.NewSTFT(100).Len(); n != 256 {
		t.Errorf("Len = %d, want fallback 256", n)
	}
}

func TestListeners_AddRemoveEmit(t *testing.T) {
	t.Parallel()
	var l visualizer.Listeners
	var got [][]float64
	remove := l.Add(func(b []float64) { got = append(got, b) })
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	src := []float64{1, 2, 3}
	l.Emit(src)
	src[0] = 99
	if len(got) != 1 || got[0][0] != 1 {
		t.Errorf("listener got %v, want its own copy", got)
	}
	remove()
	l.Emit(src)
	if len(got) != 1 || l.Len() != 0 {
		t.Error("removed listener was called")
	}
}

func TestTap_PublishesBins(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(64 * 1024)

	var (
		mu     sync.Mutex
		frames [][]float64
	)
	var out visualizer.Listeners
	out.Add(func(b []float64) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, b)
	})

	tap, err := visualizer.New(r, audio.CD, visualizer.Config{Interval: 5 * time.Millisecond, ReadSize: 1000}, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tap.Start()

	samples := make([]int16, 2*4800)
	for i := range 4800 {
		v := int16(16000 * math.Sin(2*math.Pi*1000*float64(i)/48000))
		samples[2*i], samples[2*i+1] = v, v
	}
	go w.Write(audio.Int16sToBytes(samples))

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		var last []float64
		if len(frames) > 0 {
			last = frames[len(frames)-1]
		}
		mu.Unlock()
		if last != nil && argmax(last) == 5 {
			if len(last) != visualizer.DefaultBins {
				t.Errorf("bins = %d, want %d", len(last), visualizer.DefaultBins)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no frame with the tone peak; last = %v", last)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := tap.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNew_RejectsNon16Bit(t *testing.T) {
	t.Parallel()
	_, r := pipe.New(16)
	if _, err := visualizer.New(r, audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 24}, visualizer.Config{}, &visualizer.Listeners{}); err == nil {
		t.Error("expected error for 24-bit PCM")
	}
}
