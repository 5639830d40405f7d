package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vinylcast/internal/api"
	"github.com/MrWong99/vinylcast/internal/pipeline"
	"github.com/MrWong99/vinylcast/internal/server"
	"github.com/MrWong99/vinylcast/internal/visualizer"
)

// fakePipeline is a scripted [api.Pipeline].
type fakePipeline struct {
	mu        sync.Mutex
	status    pipeline.Status
	subs      []func(pipeline.Status)
	engageErr error
	engaged   int
	focusLost int
	noisy     bool
	clients   []server.ClientInfo
	viz       visualizer.Listeners
}

func (f *fakePipeline) Engage(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engaged++
	if f.engageErr != nil {
		return f.engageErr
	}
	f.status = pipeline.Status{State: pipeline.StateRecording}
	return nil
}

func (f *fakePipeline) Disengage(context.Context) error {
	f.publish(pipeline.Status{State: pipeline.StateStopped})
	return nil
}

func (f *fakePipeline) FocusLost() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusLost++
}

func (f *fakePipeline) DeviceBecameNoisy() bool { return f.noisy }

func (f *fakePipeline) Info() pipeline.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Info{Status: f.status, StreamURL: "http://192.0.2.1:8080/vinylcast", ContentType: "audio/wav"}
}

func (f *fakePipeline) Clients() []server.ClientInfo { return f.clients }

func (f *fakePipeline) SubscribeStatus(fn func(pipeline.Status)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	latest := f.status
	f.mu.Unlock()
	fn(latest)
	return func() {}
}

func (f *fakePipeline) Visualizer() *visualizer.Listeners { return &f.viz }

func (f *fakePipeline) publish(s pipeline.Status) {
	f.mu.Lock()
	f.status = s
	subs := append([]func(pipeline.Status)(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (f *fakePipeline) calls() (engaged, focusLost int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engaged, f.focusLost
}

func newServer(t *testing.T, p *fakePipeline, opts ...api.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.New(p, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestAPI_Status(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{status: pipeline.Status{State: pipeline.StateError, Kind: pipeline.KindAudioRecordFailed, Message: "unplugged"}}
	srv := newServer(t, p)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "error" || got["error"] != "audio_record_failed" {
		t.Errorf("status = %v", got)
	}
	if got["stream_url"] != "http://192.0.2.1:8080/vinylcast" {
		t.Errorf("stream_url = %v", got["stream_url"])
	}
}

func TestAPI_Engage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "already engaged", err: pipeline.ErrEngaged, want: http.StatusConflict},
		{name: "failure", err: errors.New("bind failed"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &fakePipeline{engageErr: tt.err}
			srv := newServer(t, p)
			resp, err := http.Post(srv.URL+"/api/engage", "application/json", nil)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if n, _ := p.calls(); n != 1 {
				t.Errorf("Engage calls = %d, want 1", n)
			}
		})
	}
}

func TestAPI_Signals(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{noisy: true}
	srv := newServer(t, p)

	resp, err := http.Post(srv.URL+"/api/signals/focus-loss", "", nil)
	if err != nil {
		t.Fatalf("POST focus-loss: %v", err)
	}
	resp.Body.Close()
	if _, n := p.calls(); resp.StatusCode != http.StatusAccepted || n != 1 {
		t.Errorf("focus-loss = %d, calls %d", resp.StatusCode, n)
	}

	resp, err = http.Post(srv.URL+"/api/signals/noisy", "", nil)
	if err != nil {
		t.Fatalf("POST noisy: %v", err)
	}
	defer resp.Body.Close()
	var body struct{ Applied bool }
	json.NewDecoder(resp.Body).Decode(&body)
	if !body.Applied {
		t.Error("noisy signal not reported as applied")
	}

	resp, err = http.Get(srv.URL + "/api/signals/noisy")
	if err != nil {
		t.Fatalf("GET noisy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET noisy = %d, want 405", resp.StatusCode)
	}
}

func TestAPI_ClientsIsNeverNull(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakePipeline{})
	resp, err := http.Get(srv.URL + "/api/clients")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(b)) != "[]" {
		t.Errorf("body = %q, want []", b)
	}
}

func TestAPI_MiddlewareWrapsJSONRoutes(t *testing.T) {
	t.Parallel()
	var hits int
	var mu sync.Mutex
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
	srv := newServer(t, &fakePipeline{}, api.WithMiddleware(mw))
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("middleware hits = %d, want 1", hits)
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestAPI_StatusFeed(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{status: pipeline.Status{State: pipeline.StateRecording}}
	srv := newServer(t, p)
	conn := dial(t, srv, "/api/status/ws")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var s pipeline.Status
	if err := wsjson.Read(ctx, conn, &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.State != pipeline.StateRecording {
		t.Errorf("first status = %v, want recording", s.State)
	}

	p.publish(pipeline.Status{State: pipeline.StateError, Kind: pipeline.KindHTTPServerFailed})
	if err := wsjson.Read(ctx, conn, &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.State != pipeline.StateError || s.Kind != pipeline.KindHTTPServerFailed {
		t.Errorf("second status = %v", s)
	}
}

func TestAPI_VisualizerFeed(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	srv := newServer(t, p)
	conn := dial(t, srv, "/api/visualizer/ws")

	deadline := time.Now().Add(5 * time.Second)
	for p.viz.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.viz.Len() != 1 {
		t.Fatalf("visualizer listeners = %d, want 1", p.viz.Len())
	}
	p.viz.Emit([]float64{-6, -12, -144})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame struct{ Bins []float64 }
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frame.Bins) != 3 || frame.Bins[0] != -6 {
		t.Errorf("frame = %v", frame.Bins)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(5 * time.Second)
	for p.viz.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.viz.Len() != 0 {
		t.Error("visualizer listener not removed after the socket closed")
	}
}
