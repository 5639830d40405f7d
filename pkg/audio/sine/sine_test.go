package sine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/audio/sine"
)

func TestSource_EmitsTone(t *testing.T) {
	t.Parallel()
	src := sine.New(sine.WithDuration(50 * time.Millisecond))

	var mu sync.Mutex
	var got []byte
	src.OnFrame(func(b []byte) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	})
	if err := src.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	src.Stop()

	mu.Lock()
	defer mu.Unlock()
	if want := 48000 * 50 / 1000 * 4; len(got) != want {
		t.Fatalf("emitted %d bytes, want %d", len(got), want)
	}
	samples := audio.BytesToInt16s(got)
	for i := 0; i < len(samples); i += 2 {
		want := src.SampleAt(int64(i / 2))
		if samples[i] != want || samples[i+1] != want {
			t.Fatalf("frame %d = (%d, %d), want %d", i/2, samples[i], samples[i+1], want)
		}
	}
}

func TestSource_StartRequiresPrepare(t *testing.T) {
	t.Parallel()
	src := sine.New()
	if err := src.Start(); err != audio.ErrNotPrepared {
		t.Fatalf("Start = %v, want ErrNotPrepared", err)
	}
	src.SetRecordingDevice(audio.DeviceNone)
	if err := src.Prepare(); err == nil {
		t.Fatal("Prepare with no recording device should fail")
	}
}
