// Package api serves the admin surface a UI process uses to drive the
// pipeline: JSON endpoints for status and control plus websocket feeds for
// status changes and visualizer frames.
//
//	GET  /api/status          current status, stream URL and source details
//	GET  /api/clients         connected stream listeners
//	POST /api/engage          start a session
//	POST /api/disengage       stop the session
//	POST /api/signals/focus-loss
//	POST /api/signals/noisy
//	GET  /api/status/ws       status feed, latest status first
//	GET  /api/visualizer/ws   {"bins": [...]} frames
//
// Websocket feeds never block the publisher: a socket that falls behind
// loses frames.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vinylcast/internal/pipeline"
	"github.com/MrWong99/vinylcast/internal/server"
	"github.com/MrWong99/vinylcast/internal/visualizer"
)

const (
	// feedBuffer is the number of frames queued per websocket.
	feedBuffer = 16

	writeTimeout = 5 * time.Second
)

// Pipeline is the controller surface the API drives.
type Pipeline interface {
	Engage(ctx context.Context) error
	Disengage(ctx context.Context) error
	FocusLost()
	DeviceBecameNoisy() bool
	Info() pipeline.Info
	Clients() []server.ClientInfo
	SubscribeStatus(fn func(pipeline.Status)) (unsubscribe func())
	Visualizer() *visualizer.Listeners
}

var _ Pipeline = (*pipeline.Controller)(nil)

// Option configures an [API].
type Option func(*API)

// WithMiddleware wraps the JSON endpoints. Websocket routes stay unwrapped
// so the hijacked connection is not held by response recorders.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.mw = mw }
}

// WithOriginPatterns allows cross-origin websocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *API) { a.origins = append(a.origins, patterns...) }
}

// API is the admin HTTP handler set.
type API struct {
	p       Pipeline
	mw      func(http.Handler) http.Handler
	origins []string
}

// New returns an API for p.
func New(p Pipeline, opts ...Option) *API {
	a := &API{p: p}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler {
		if a.mw == nil {
			return h
		}
		return a.mw(h)
	}
	mux.Handle("GET /api/status", wrap(a.handleStatus))
	mux.Handle("GET /api/clients", wrap(a.handleClients))
	mux.Handle("POST /api/engage", wrap(a.handleEngage))
	mux.Handle("POST /api/disengage", wrap(a.handleDisengage))
	mux.Handle("POST /api/signals/focus-loss", wrap(a.handleFocusLoss))
	mux.Handle("POST /api/signals/noisy", wrap(a.handleNoisy))
	mux.HandleFunc("GET /api/status/ws", a.handleStatusFeed)
	mux.HandleFunc("GET /api/visualizer/ws", a.handleVisualizerFeed)
}

// Handler returns a mux serving only the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

type errorBody struct {
	Error  string          `json:"error"`
	Status pipeline.Status `json:"status"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.p.Info())
}

func (a *API) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := a.p.Clients()
	if clients == nil {
		clients = []server.ClientInfo{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func (a *API) handleEngage(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request.
	err := a.p.Engage(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, pipeline.ErrEngaged):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Status: a.p.Info().Status})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Status: a.p.Info().Status})
	default:
		writeJSON(w, http.StatusOK, a.p.Info())
	}
}

func (a *API) handleDisengage(w http.ResponseWriter, r *http.Request) {
	if err := a.p.Disengage(context.WithoutCancel(r.Context())); err != nil {
		// Teardown errors are logged by the controller; the session is gone
		// either way.
		slog.Warn("api: disengage", "err", err)
	}
	writeJSON(w, http.StatusOK, a.p.Info())
}

func (a *API) handleFocusLoss(w http.ResponseWriter, _ *http.Request) {
	a.p.FocusLost()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleNoisy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"applied": a.p.DeviceBecameNoisy()})
}

func (a *API) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.origins})
	if err != nil {
		slog.Debug("api: websocket accept", "path", r.URL.Path, "err", err)
		return nil, false
	}
	return conn, true
}

func (a *API) handleStatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, ok := a.accept(w, r)
	if !ok {
		return
	}
	frames := make(chan pipeline.Status, feedBuffer)
	unsubscribe := a.p.SubscribeStatus(func(s pipeline.Status) { offer(frames, s) })
	defer unsubscribe()
	serveFeed(r.Context(), conn, frames)
}

type visualizerFrame struct {
	Bins []float64 `json:"bins"`
}

func (a *API) handleVisualizerFeed(w http.ResponseWriter, r *http.Request) {
	conn, ok := a.accept(w, r)
	if !ok {
		return
	}
	frames := make(chan visualizerFrame, feedBuffer)
	remove := a.p.Visualizer().Add(func(bins []float64) { offer(frames, visualizerFrame{Bins: bins}) })
	defer remove()
	serveFeed(r.Context(), conn, frames)
}

// offer queues v unless the feed is full.
func offer[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// serveFeed writes frames to conn until the peer goes away or a write fails.
func serveFeed[T any](ctx context.Context, conn *websocket.Conn, frames <-chan T) {
	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case v := <-frames:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, v)
			cancel()
			if err != nil {
				slog.Debug("api: websocket write", "err", err)
				conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
