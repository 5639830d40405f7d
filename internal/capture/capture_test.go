package capture_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/vinylcast/internal/capture"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/audio/mock"
	"github.com/MrWong99/vinylcast/pkg/audio/sine"
	"github.com/MrWong99/vinylcast/pkg/tee"
)

func frames(n int, seed byte) []byte {
	b := make([]byte, n*4)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestStage_StreamsSourceFramesIntoTee(t *testing.T) {
	t.Parallel()
	src := &mock.Source{FormatResult: audio.CD}
	st := capture.New(src, 8192)

	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if st.State() != capture.StatePrepared {
		t.Fatalf("State = %v, want prepared", st.State())
	}
	c, err := st.Tee().Subscribe(1<<20, tee.Block)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var want bytes.Buffer
	for i := range 50 {
		f := frames(64, byte(i))
		want.Write(f)
		if !src.Emit(f) {
			t.Fatal("Emit did not reach the callback")
		}
		time.Sleep(200 * time.Microsecond)
	}
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// Overruns drop whole callback buffers, so the stream is the sent
	// buffers minus the overrun ones.
	if st.Overruns() == 0 && !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("received %d bytes, want %d identical bytes", len(got), want.Len())
	}
	if int64(len(got)) != st.Bytes() {
		t.Errorf("received %d bytes, stage accepted %d", len(got), st.Bytes())
	}
	if st.State() != capture.StateIdle {
		t.Errorf("State after Stop = %v, want idle", st.State())
	}
	if src.Running() {
		t.Error("source still running after Stop")
	}
}

func TestStage_OverrunDropsWholeBuffers(t *testing.T) {
	t.Parallel()
	src := &mock.Source{FormatResult: audio.CD}
	st := capture.New(src, 1024)
	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// A Block consumer that is never read backs the tee up, which in turn
	// fills the producer pipe.
	if _, err := st.Tee().Subscribe(256, tee.Block); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 200 {
		src.Emit(frames(128, 1))
	}
	if st.Overruns() == 0 {
		t.Error("expected overruns with a full producer pipe")
	}
	if st.Bytes()%512 != 0 {
		t.Errorf("accepted %d bytes, not whole callback buffers", st.Bytes())
	}
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStage_PrepareFailure(t *testing.T) {
	t.Parallel()
	src := &mock.Source{PrepareErr: audio.ErrPermissionDenied}
	st := capture.New(src, 8192)
	err := st.Prepare()
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Prepare = %v, want ErrPermissionDenied", err)
	}
	if st.Tee() != nil {
		t.Error("tee created despite failed prepare")
	}
	if err := st.Start(); !errors.Is(err, capture.ErrState) {
		t.Errorf("Start after failed prepare = %v, want ErrState", err)
	}
	if err := st.Stop(); err != nil {
		t.Errorf("Stop on idle stage: %v", err)
	}
}

func TestStage_StartFailureClosesTee(t *testing.T) {
	t.Parallel()
	boom := errors.New("device busy")
	src := &mock.Source{FormatResult: audio.CD, StartErr: boom}
	st := capture.New(src, 8192)
	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	c, _ := st.Tee().Subscribe(1024, tee.DropOldest)
	if err := st.Start(); !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want %v", err, boom)
	}
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := c.Read(make([]byte, 4)); err != io.EOF {
		t.Errorf("consumer Read = %v, want EOF", err)
	}
	if src.CallCountStop != 0 {
		t.Errorf("Stop called on a source that never started")
	}
}

func TestStage_StopWithoutStart(t *testing.T) {
	t.Parallel()
	st := capture.New(&mock.Source{FormatResult: audio.CD}, 8192)
	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- st.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop of a prepared stage hung")
	}
	select {
	case <-st.Tee().Done():
	default:
		t.Error("tee not stopped")
	}
}

func TestStage_SineSourceEndToEnd(t *testing.T) {
	t.Parallel()
	src := sine.New(sine.WithDuration(100*time.Millisecond), sine.WithPeriod(5*time.Millisecond))
	st := capture.New(src, 8192)
	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	c, _ := st.Tee().Subscribe(1<<20, tee.Block)
	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := io.ReadAll(c)
	if len(got) != 19200 {
		t.Fatalf("received %d bytes, want 19200 (100 ms of 48 kHz stereo)", len(got))
	}
	for i := range 100 {
		l := int16(got[4*i]) | int16(got[4*i+1])<<8
		if want := src.SampleAt(int64(i)); l != want {
			t.Fatalf("sample %d = %d, want %d", i, l, want)
		}
	}
}

func TestStage_SourceFailureEndsTee(t *testing.T) {
	t.Parallel()
	src := &mock.Source{FormatResult: audio.CD}
	st := capture.New(src, 8192)
	if err := st.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	c, _ := st.Tee().Subscribe(1<<20, tee.Block)
	if err := st.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Stop()

	sent := frames(64, 1)
	src.Emit(sent)
	boom := errors.New("device unplugged")
	if !src.Fail(boom) {
		t.Fatal("Fail did not reach the error callback")
	}

	got, _ := io.ReadAll(c)
	if !bytes.Equal(got, sent) {
		t.Errorf("received %d bytes before the failure, want %d", len(got), len(sent))
	}
	select {
	case <-st.Tee().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tee did not stop after the source failed")
	}
	if err := st.Tee().Err(); !errors.Is(err, boom) {
		t.Errorf("tee Err = %v, want %v", err, boom)
	}
}
