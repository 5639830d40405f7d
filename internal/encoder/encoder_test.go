package encoder_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vinylcast/internal/encoder"
	"github.com/MrWong99/vinylcast/pkg/adts"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/codec"
	"github.com/MrWong99/vinylcast/pkg/codec/mock"
	"github.com/MrWong99/vinylcast/pkg/pipe"
	"github.com/MrWong99/vinylcast/pkg/tee"
)

const base = 8192

// pcmTee returns a running PCM tee fed from the returned writer.
func pcmTee(t *testing.T, opts ...tee.Option) (*pipe.Writer, *tee.Tee) {
	t.Helper()
	w, r := pipe.New(base)
	opts = append([]tee.Option{tee.WithName("pcm"), tee.WithFrameSize(audio.CD.FrameSize()), tee.WithBlockDeadline(time.Second)}, opts...)
	tt := tee.New(opts...)
	if err := tt.AttachSource(r, base/4); err != nil {
		t.Fatalf("AttachSource: %v", err)
	}
	t.Cleanup(tt.Shutdown)
	return w, tt
}

func silence(n int) []byte { return make([]byte, n) }

func waitDone(t *testing.T, s *encoder.Stage) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("encoder did not stop")
	}
}

func TestStage_FramesADTS(t *testing.T) {
	t.Parallel()
	w, pcm := pcmTee(t)
	c := &mock.Codec{}
	s := encoder.New(c, audio.CD, base, encoder.WithRatioCheckAfter(0))
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := s.Tee().Subscribe(1<<20, tee.Disconnect)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// One second of CD audio: 46 full access units plus a partial one.
	const total = 48000 * 4
	go func() {
		defer w.Close()
		for off := 0; off < total; off += 4096 {
			w.Write(silence(4096)[:min(4096, total-off)])
		}
	}()

	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	sum, frames := 0, 0
	for off := 0; off < len(got); {
		h, err := adts.Parse(got[off:])
		if err != nil {
			t.Fatalf("frame %d at %d: %v", frames, off, err)
		}
		if h.SampleRateIndex != 3 || h.ChannelConfig != 2 || h.Profile != adts.ProfileLC {
			t.Fatalf("frame %d header = %+v", frames, h)
		}
		sum += h.FrameLength
		off += h.FrameLength
		frames++
	}
	if sum != len(got) {
		t.Errorf("sum of frame lengths = %d, stream length = %d", sum, len(got))
	}
	if frames != 47 {
		t.Errorf("frames = %d, want 47", frames)
	}
	if s.BytesIn() != total {
		t.Errorf("BytesIn = %d, want %d", s.BytesIn(), total)
	}
	if s.BytesOut() != int64(len(got)) || s.Packets() != int64(frames) {
		t.Errorf("BytesOut = %d, Packets = %d; want %d, %d", s.BytesOut(), s.Packets(), len(got), frames)
	}

	target := codec.DefaultConfig(audio.CD).TargetRatio()
	if r := s.Ratio(); r < 0.9*target || r > 1.1*target {
		t.Errorf("Ratio = %.4f, want within 10%% of %.4f", r, target)
	}
	if !c.EOSQueued() || !c.Closed() {
		t.Error("codec should have received EOS and been closed")
	}
}

func TestStage_ConfigureFailure(t *testing.T) {
	t.Parallel()
	_, pcm := pcmTee(t)
	c := &mock.Codec{ConfigureErr: errors.New("no encoder for audio/mp4a-latm")}
	s := encoder.New(c, audio.CD, base)

	err := s.Start(pcm)
	if !errors.Is(err, encoder.ErrConfigure) {
		t.Fatalf("Start = %v, want ErrConfigure", err)
	}
	waitDone(t, s)
	if pcm.Len() != 0 {
		t.Errorf("pcm consumers = %d, want 0", pcm.Len())
	}
	if err := s.Start(pcm); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStage_UnsupportedRate(t *testing.T) {
	t.Parallel()
	_, pcm := pcmTee(t)
	f := audio.Format{SampleRate: 22051, Channels: 2, BitsPerSample: 16}
	if err := encoder.New(&mock.Codec{}, f, base).Start(pcm); !errors.Is(err, encoder.ErrConfigure) {
		t.Fatalf("Start = %v, want ErrConfigure", err)
	}
}

type stallLog struct {
	mu     sync.Mutex
	labels []string
}

func (l *stallLog) handle(ev tee.Event) {
	if ev.Kind != tee.EventStalled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append(l.labels, ev.Label)
}

func (l *stallLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.labels...)
}

func TestStage_StallIsReportedOnPCMTee(t *testing.T) {
	t.Parallel()
	var log stallLog
	w, pcm := pcmTee(t,
		tee.WithBlockDeadline(5*time.Millisecond),
		tee.WithStallLimit(2),
		tee.WithEventHandler(log.handle),
	)
	c := &mock.Codec{Stall: true}
	s := encoder.New(c, audio.CD, base)
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := w.WriteTimeout(silence(2048), 10*time.Millisecond); err != nil {
				return
			}
		}
	}()
	defer close(stop)

	deadline := time.Now().Add(3 * time.Second)
	for len(log.get()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	labels := log.get()
	if len(labels) == 0 {
		t.Fatal("no stall event raised")
	}
	if labels[0] != encoder.ConsumerLabel {
		t.Errorf("stall label = %q, want %q", labels[0], encoder.ConsumerLabel)
	}

	if err := s.Stop(50 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !c.Closed() {
		t.Error("stalled codec was not closed")
	}
}

func TestStage_QueueFailuresOpenBreaker(t *testing.T) {
	t.Parallel()
	w, pcm := pcmTee(t)
	c := &mock.Codec{QueueErr: errors.New("dequeueInputBuffer failed")}
	s := encoder.New(c, audio.CD, base)
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range 64 {
			if _, err := w.WriteTimeout(silence(4096), 100*time.Millisecond); err != nil {
				return
			}
		}
	}()

	waitDone(t, s)
	if err := s.Err(); !errors.Is(err, encoder.ErrCodec) {
		t.Fatalf("Err = %v, want ErrCodec", err)
	}
	if c.CallCountQueue != 5 {
		t.Errorf("Queue calls = %d, want 5", c.CallCountQueue)
	}
}

func TestStage_StopDrainsEndOfStream(t *testing.T) {
	t.Parallel()
	w, pcm := pcmTee(t)
	c := &mock.Codec{}
	s := encoder.New(c, audio.CD, base)
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, _ := s.Tee().Subscribe(1<<20, tee.Disconnect)

	// 10000 bytes is two full access units plus a remainder.
	for range 5 {
		w.Write(silence(2000))
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.BytesIn() < 10000 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !c.EOSQueued() {
		t.Error("EOS was not queued")
	}
	got, _ := io.ReadAll(out)
	if want := 3 * (adts.HeaderSize + 512); len(got) != want {
		t.Errorf("read %d bytes, want %d", len(got), want)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v", s.Err())
	}
	// Stop is idempotent.
	if err := s.Stop(time.Millisecond); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStage_CodecEndingEarlyFails(t *testing.T) {
	t.Parallel()
	w, pcm := pcmTee(t)
	c := &mock.Codec{EOSAfter: 3}
	s := encoder.New(c, audio.CD, base)
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range 64 {
			if _, err := w.WriteTimeout(silence(4096), 100*time.Millisecond); err != nil {
				return
			}
		}
	}()

	waitDone(t, s)
	if err := s.Err(); !errors.Is(err, encoder.ErrCodec) {
		t.Fatalf("Err = %v, want ErrCodec", err)
	}
	if c.EOSQueued() {
		t.Error("stage queued EOS into a codec that had already ended")
	}
}

func TestStage_SilentCodecFails(t *testing.T) {
	t.Parallel()
	w, pcm := pcmTee(t)
	c := &mock.Codec{Mute: true}
	s := encoder.New(c, audio.CD, base, encoder.WithRatioCheckAfter(50*time.Millisecond))
	if err := s.Start(pcm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := w.WriteTimeout(silence(4096), 100*time.Millisecond); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitDone(t, s)
	if err := s.Err(); !errors.Is(err, encoder.ErrCodec) {
		t.Fatalf("Err = %v, want ErrCodec", err)
	}
	if s.BytesIn() == 0 || s.BytesOut() != 0 {
		t.Errorf("BytesIn = %d, BytesOut = %d; want input and no output", s.BytesIn(), s.BytesOut())
	}
}
