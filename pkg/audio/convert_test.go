package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

func TestGainFactor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		db   float64
		want float64
	}{
		{0, 1},
		{20, math.Pow(10, 0.5)}, // clamped to +10 dB
		{-6, math.Pow(10, -6.0/20)},
		{-40, math.Pow(10, -0.5)}, // clamped to -10 dB
	}
	for _, tt := range tests {
		if got := audio.GainFactor(tt.db); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("GainFactor(%v) = %v, want %v", tt.db, got, tt.want)
		}
	}
}

func TestApplyGain16(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16sToBytes([]int16{1000, -1000, 30000, -30000})
	audio.ApplyGain16(pcm, 2)
	got := audio.BytesToInt16s(pcm)
	want := []int16{2000, -2000, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestApplyGain16_Unity(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16sToBytes([]int16{123, -456})
	audio.ApplyGain16(pcm, 1)
	got := audio.BytesToInt16s(pcm)
	if got[0] != 123 || got[1] != -456 {
		t.Errorf("unity gain changed samples: %v", got)
	}
}

func TestMixDown16(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16sToBytes([]int16{16384, 0, -16384, -16384})
	got := audio.MixDown16(nil, pcm, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 0.25 || got[1] != -0.5 {
		t.Errorf("got %v, want [0.25 -0.5]", got)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := audio.CD
	if f.FrameSize() != 4 {
		t.Errorf("FrameSize = %d, want 4", f.FrameSize())
	}
	if f.ByteRate() != 192000 {
		t.Errorf("ByteRate = %d, want 192000", f.ByteRate())
	}
	if f.AlignDown(10) != 8 {
		t.Errorf("AlignDown(10) = %d, want 8", f.AlignDown(10))
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 12}).Validate(); err == nil {
		t.Error("expected error for 12-bit samples")
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()
	if e, err := audio.ParseEncoding("AAC"); err != nil || e != audio.EncodingAAC {
		t.Errorf("ParseEncoding(AAC) = %q, %v", e, err)
	}
	if _, err := audio.ParseEncoding("flac"); err == nil {
		t.Error("expected error for flac")
	}
	if audio.EncodingWAV.ContentType() != "audio/wav" || audio.EncodingAAC.ContentType() != "audio/aac" {
		t.Error("unexpected content types")
	}
}
