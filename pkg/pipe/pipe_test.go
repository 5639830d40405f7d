package pipe_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vinylcast/pkg/pipe"
)

func TestPipe_FIFO(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(8)

	if _, err := w.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "ab" {
		t.Fatalf("Read = %q, %v; want ab", buf[:n], err)
	}
	// Wrap around the ring.
	if _, err := w.Write([]byte("efghij")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "cdefghij" {
		t.Errorf("got %q, want cdefghij", got)
	}
}

func TestPipe_EOFAfterDrain(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(4)
	w.Write([]byte("xy"))
	w.Close()
	w.Close() // idempotent

	buf := make([]byte, 4)
	if n, err := r.Read(buf); n != 2 || err != nil {
		t.Fatalf("Read = %d, %v; want 2, nil", n, err)
	}
	if n, err := r.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("Read = %d, %v; want 0, EOF", n, err)
	}
}

func TestPipe_WriteAfterReaderClose(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(4)
	r.Close()
	if _, err := w.Write([]byte("a")); !errors.Is(err, pipe.ErrClosed) {
		t.Fatalf("Write = %v, want ErrClosed", err)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, pipe.ErrClosed) {
		t.Fatalf("Read = %v, want ErrClosed", err)
	}
}

func TestPipe_BlockedWriterWokenByReaderClose(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(2)
	done := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("abcdef"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		if !errors.Is(err, pipe.ErrClosed) {
			t.Errorf("Write = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer was not woken by reader close")
	}
}

func TestPipe_BlockedReaderWokenByWriterClose(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(2)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("Read = %v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by writer close")
	}
}

func TestPipe_TryWrite(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(4)

	n, err := w.TryWrite([]byte("abcdef"))
	if n != 4 || err != nil {
		t.Fatalf("TryWrite = %d, %v; want 4, nil", n, err)
	}
	ok, err := w.TryWriteAll([]byte("g"))
	if ok || err != nil {
		t.Fatalf("TryWriteAll on full pipe = %v, %v; want false, nil", ok, err)
	}
	r.Read(make([]byte, 2))
	ok, _ = w.TryWriteAll([]byte("gh"))
	if !ok {
		t.Fatal("TryWriteAll should fit after a read")
	}
	if w.Free() != 0 {
		t.Errorf("Free = %d, want 0", w.Free())
	}
}

func TestPipe_Discard(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(6)
	w.Write([]byte("abcdef"))

	if got := w.Discard(4); got != 4 {
		t.Fatalf("Discard = %d, want 4", got)
	}
	w.Write([]byte("gh"))
	w.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "efgh" {
		t.Errorf("got %q, want efgh", got)
	}
	if got := w.Discard(10); got != 0 {
		t.Errorf("Discard on empty pipe = %d, want 0", got)
	}
}

func TestPipe_WriteTimeout(t *testing.T) {
	t.Parallel()
	w, _ := pipe.New(2)

	start := time.Now()
	n, err := w.WriteTimeout([]byte("abcd"), 30*time.Millisecond)
	if n != 2 || err != nil {
		t.Fatalf("WriteTimeout = %d, %v; want 2, nil", n, err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("WriteTimeout returned after %v, expected to wait for the deadline", elapsed)
	}
}

func TestPipe_WriteAllTimeout(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(8)
	w.Write([]byte("abcde"))

	// Only three bytes free: nothing of the five may land.
	ok, err := w.WriteAllTimeout([]byte("vwxyz"), 20*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("WriteAllTimeout = %v, %v; want false, nil", ok, err)
	}
	if w.Free() != 3 {
		t.Fatalf("Free = %d after failed write, want 3", w.Free())
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		buf := make([]byte, 5)
		io.ReadFull(r, buf)
	}()
	ok, err = w.WriteAllTimeout([]byte("vwxyz"), time.Second)
	if !ok || err != nil {
		t.Fatalf("WriteAllTimeout = %v, %v; want true, nil", ok, err)
	}

	if _, err := w.WriteAllTimeout(make([]byte, 9), time.Millisecond); err == nil {
		t.Error("write larger than the pipe succeeded")
	}
	r.Close()
	if _, err := w.WriteAllTimeout([]byte("a"), time.Millisecond); !errors.Is(err, pipe.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestPipe_ReadContextCancel(t *testing.T) {
	t.Parallel()
	_, r := pipe.New(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.ReadContext(ctx, make([]byte, 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadContext = %v, want DeadlineExceeded", err)
	}
}

// TestPipe_OneFrameCapacity streams stereo 16-bit frames through a pipe that
// holds exactly one frame.
func TestPipe_OneFrameCapacity(t *testing.T) {
	t.Parallel()
	const frame = 4
	w, r := pipe.New(frame)

	src := make([]byte, frame*1000)
	for i := range src {
		src[i] = byte(i)
	}

	go func() {
		for off := 0; off < len(src); off += frame {
			if _, err := w.Write(src[off : off+frame]); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
		w.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, frame)
	for {
		n, err := r.Read(buf)
		if n > 0 && n != frame {
			t.Fatalf("read %d bytes, want whole frames of %d", n, frame)
		}
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if !bytes.Equal(got.Bytes(), src) {
		t.Fatal("received bytes differ from written bytes")
	}
}

func TestPipe_ConcurrentRandomSizes(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(37)

	src := make([]byte, 64*1024)
	for i := range src {
		src[i] = byte(rand.IntN(256))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Close()
		for off := 0; off < len(src); {
			n := min(1+rand.IntN(100), len(src)-off)
			if _, err := w.Write(src[off : off+n]); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
			off += n
		}
	}()

	var got bytes.Buffer
	for {
		buf := make([]byte, 1+rand.IntN(64))
		n, err := r.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	wg.Wait()

	if !bytes.Equal(got.Bytes(), src) {
		t.Fatalf("sum(reads) = %d, sum(writes) = %d or content differs", got.Len(), len(src))
	}
}

func TestPipe_CloseWithError(t *testing.T) {
	t.Parallel()
	w, r := pipe.New(8)
	boom := errors.New("device gone")
	w.Write([]byte("ab"))
	w.CloseWithError(boom)
	w.Close() // the first close wins

	got, err := io.ReadAll(r)
	if string(got) != "ab" {
		t.Errorf("got %q, want ab", got)
	}
	if !errors.Is(err, boom) {
		t.Errorf("ReadAll err = %v, want %v", err, boom)
	}
}
