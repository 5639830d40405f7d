// Package server serves the live stream to HTTP listeners on the LAN.
//
// A [Server] is long-lived and bound to one session at a time with
// [Server.Start] and [Server.Stop]. Every GET of the stream path subscribes a
// [tee.Disconnect] consumer on the session's tee and copies it to the socket,
// so a slow or dead listener is evicted without affecting anyone else. WAV
// listeners get a streaming WAV header as the first 44 bytes of their pipe.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vinylcast/internal/observe"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/tee"
	"github.com/MrWong99/vinylcast/pkg/wav"
)

// Unavailable is the body of the 204 response sent while no session is
// running.
const Unavailable = "Stream not available."

const (
	// DefaultListenerBuffer is the pipe size of one listener.
	DefaultListenerBuffer = 16 * 8192

	// DefaultWriteTimeout bounds one socket write.
	DefaultWriteTimeout = 5 * time.Second

	shutdownTimeout = 2 * time.Second
	resolveTimeout  = time.Second
	copyBufferSize  = 16 * 1024
)

var (
	// ErrAlreadyRunning is returned by Start while a session is bound.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrListen wraps bind failures.
	ErrListen = errors.New("server: listen")

	// ErrEvicted is the disconnect reason of a listener the tee dropped for
	// falling behind.
	ErrEvicted = errors.New("server: listener evicted")

	// ErrStopped is the disconnect reason of listeners removed by Stop.
	ErrStopped = errors.New("server: stopped")
)

// State is the server lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080". Port 0 picks a free port.
	Addr string

	// Path serves the stream.
	Path string

	// ImagePath serves Image when Image is non-empty.
	ImagePath string
	Image     []byte

	// ListenerBuffer is the pipe capacity of each listener in bytes.
	ListenerBuffer int

	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration

	// ResolveHostnames enables reverse lookups of listener addresses.
	ResolveHostnames bool
}

// Stream is what a session exposes to listeners.
type Stream struct {
	Tee      *tee.Tee
	Encoding audio.Encoding
	Format   audio.Format
}

// ClientInfo describes a connected listener.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Hostname    string    `json:"hostname,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesSent   int64     `json:"bytes_sent"`
}

// Listener receives server notifications. Nil fields are skipped. Callbacks
// run on server or request goroutines and must not block.
type Listener struct {
	OnStarted            func(url string)
	OnStopped            func()
	OnClientConnected    func(ClientInfo)
	OnClientDisconnected func(c ClientInfo, reason error)
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records listener counts and connection results.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMiddleware wraps the image route, e.g. with [observe.Middleware]. The
// stream route is never wrapped.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = mw }
}

// WithFaultHandler registers fn for serve-loop failures after Start
// succeeded.
func WithFaultHandler(fn func(error)) Option {
	return func(s *Server) { s.onFault = fn }
}

// Server is the HTTP stream server.
type Server struct {
	cfg        Config
	metrics    *observe.Metrics
	middleware func(http.Handler) http.Handler
	onFault    func(error)

	mu        sync.Mutex
	state     State
	stream    Stream
	httpSrv   *http.Server
	addr      net.Addr
	group     *errgroup.Group
	clients   map[string]*client
	listeners map[string]Listener
}

type client struct {
	info   ClientInfo
	cancel context.CancelCauseFunc
}

// New returns a stopped server.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:       withDefaults(cfg),
		clients:   make(map[string]*client),
		listeners: make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconfigure replaces the configuration. It is only allowed while stopped.
func (s *Server) Reconfigure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyRunning
	}
	s.cfg = withDefaults(cfg)
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.ListenerBuffer <= 0 {
		cfg.ListenerBuffer = DefaultListenerBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return cfg
}

// AddListener registers l and returns a function that removes it.
func (s *Server) AddListener(l Listener) (remove func()) {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Server) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return ls
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start binds the listen address and serves st until Stop.
func (s *Server) Start(st Stream) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %s: %v", ErrListen, s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("server: serve failed", "addr", ln.Addr().String(), "err", err)
		if s.onFault != nil {
			s.onFault(err)
		}
		return err
	})

	s.mu.Lock()
	s.stream = st
	s.httpSrv = srv
	s.addr = ln.Addr()
	s.group = g
	s.state = StateRunning
	s.mu.Unlock()

	url := s.StreamURL()
	slog.Info("server: started", "url", url, "encoding", st.Encoding)
	for _, l := range s.snapshotListeners() {
		if l.OnStarted != nil {
			l.OnStarted(url)
		}
	}
	return nil
}

// Stop disconnects every listener and closes the listening socket. It is
// safe to call when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	srv, g := s.httpSrv, s.group
	for _, c := range s.clients {
		c.cancel(ErrStopped)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("server: graceful shutdown timed out, closing", "err", err)
		srv.Close()
	}
	err := g.Wait()

	s.mu.Lock()
	s.stream = Stream{}
	s.httpSrv = nil
	s.group = nil
	s.state = StateStopped
	s.mu.Unlock()

	slog.Info("server: stopped")
	for _, l := range s.snapshotListeners() {
		if l.OnStopped != nil {
			l.OnStopped()
		}
	}
	return err
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Handler returns the routes of the stream server. Start serves it; tests
// can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleStream)
	if s.cfg.ImagePath != "" && len(s.cfg.Image) > 0 {
		var h http.Handler = http.HandlerFunc(s.handleImage)
		if s.middleware != nil {
			h = s.middleware(h)
		}
		mux.Handle("GET "+s.cfg.ImagePath, h)
	}
	return mux
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.Image)))
	w.WriteHeader(http.StatusOK)
	w.Write(s.cfg.Image)
}

func unavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNoContent)
	// net/http discards 204 bodies.
	w.Write([]byte(Unavailable))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.mu.Lock()
	st, running := s.stream, s.state == StateRunning
	s.mu.Unlock()
	if !running || st.Tee == nil {
		s.recordConnection(ctx, "unavailable")
		unavailable(w)
		return
	}

	var opts []tee.SubscribeOption
	opts = append(opts, tee.WithLabel("http"))
	if st.Encoding == audio.EncodingWAV {
		opts = append(opts, tee.WithPrefix(wav.Header(st.Format)))
	}
	c, err := st.Tee.Subscribe(s.cfg.ListenerBuffer, tee.Disconnect, opts...)
	if err != nil {
		slog.Debug("server: subscribe failed", "err", err)
		s.recordConnection(ctx, "unavailable")
		unavailable(w)
		return
	}

	cctx, cancel := context.WithCancelCause(ctx)
	cl := &client{
		info: ClientInfo{
			ID:          c.ID(),
			RemoteAddr:  r.RemoteAddr,
			UserAgent:   r.UserAgent(),
			ConnectedAt: time.Now(),
		},
		cancel: cancel,
	}
	if s.cfg.ResolveHostnames {
		cl.info.Hostname = lookupHost(ctx, r.RemoteAddr)
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		cancel(ErrStopped)
		c.Close()
		s.recordConnection(ctx, "unavailable")
		unavailable(w)
		return
	}
	s.clients[cl.info.ID] = cl
	s.mu.Unlock()

	s.recordConnection(ctx, "streamed")
	if s.metrics != nil {
		s.metrics.HTTPActiveClients.Add(ctx, 1)
	}
	slog.Info("server: client connected", "client_id", cl.info.ID, "remote_addr", cl.info.RemoteAddr, "hostname", cl.info.Hostname)
	for _, l := range s.snapshotListeners() {
		if l.OnClientConnected != nil {
			l.OnClientConnected(cl.info)
		}
	}

	sent, reason := s.copyStream(cctx, w, c, st.Encoding.ContentType())
	cancel(nil)
	c.Close()

	s.mu.Lock()
	delete(s.clients, cl.info.ID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.HTTPActiveClients.Add(context.Background(), -1)
	}

	info := cl.info
	info.BytesSent = sent
	slog.Info("server: client disconnected", "client_id", info.ID, "remote_addr", info.RemoteAddr, "bytes_sent", sent, "reason", reason)
	for _, l := range s.snapshotListeners() {
		if l.OnClientDisconnected != nil {
			l.OnClientDisconnected(info, reason)
		}
	}
}

// copyStream copies c to w until the consumer ends, the client goes away or
// ctx is cancelled. It returns the bytes sent and the reason the copy ended;
// nil means the stream ended normally.
func (s *Server) copyStream(ctx context.Context, w http.ResponseWriter, c *tee.Consumer, contentType string) (int64, error) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return 0, err
	}

	var sent int64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := c.ReadContext(ctx, buf)
		if n > 0 {
			if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return sent, err
			}
			m, werr := w.Write(buf[:n])
			sent += int64(m)
			if werr == nil {
				werr = rc.Flush()
			}
			if werr != nil {
				return sent, werr
			}
		}
		if c.Evicted() {
			return sent, ErrEvicted
		}
		if rerr != nil {
			return sent, context.Cause(ctx)
		}
	}
}

func (s *Server) recordConnection(ctx context.Context, result string) {
	if s.metrics != nil {
		s.metrics.RecordConnection(ctx, result)
	}
}

func lookupHost(ctx context.Context, remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

// ClientCount returns the number of connected listeners.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns the connected listeners ordered by connect time.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.info)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b ClientInfo) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// Addr returns the bound address while running, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil
	}
	return s.addr
}

// ContentType returns the MIME type of the running stream, or "".
func (s *Server) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ""
	}
	return s.stream.Encoding.ContentType()
}

// StreamURL returns http://<lan-ip>:<port><path> while running, or "".
func (s *Server) StreamURL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	port := "0"
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	return "http://" + net.JoinHostPort(LANAddress(), port) + s.cfg.Path
}

// LANAddress returns the first non-loopback IPv4 address of an up
// interface, or 127.0.0.1.
func LANAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
