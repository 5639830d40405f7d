// Package pipeline drives one streaming session at a time: capture, optional
// AAC encoding, the HTTP stream server, the visualizer and the local
// monitor.
//
// The [Controller] is a small state machine. Engage builds a session step by
// step and publishes Recording once everything runs; any failing step tears
// the partial session down and publishes Error with the [ErrorKind] of that
// step. Disengage tears down in reverse order. Faults raised while recording
// (source failure, encoder stall, serve failure) and external signals (audio
// focus loss, playback device removal) are handled on their own goroutines
// so no worker ever blocks on the controller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vinylcast/internal/capture"
	"github.com/MrWong99/vinylcast/internal/config"
	"github.com/MrWong99/vinylcast/internal/encoder"
	"github.com/MrWong99/vinylcast/internal/monitor"
	"github.com/MrWong99/vinylcast/internal/observe"
	"github.com/MrWong99/vinylcast/internal/resilience"
	"github.com/MrWong99/vinylcast/internal/server"
	"github.com/MrWong99/vinylcast/internal/visualizer"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/codec"
	"github.com/MrWong99/vinylcast/pkg/codec/ffmpeg"
	"github.com/MrWong99/vinylcast/pkg/tee"
)

// DefaultStopTimeout bounds the wait for each worker during teardown.
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrEngaged is returned by Engage while a session is preparing or
	// recording.
	ErrEngaged = errors.New("pipeline: already engaged")

	// ErrNotEngaged is returned by operations that need a running session.
	ErrNotEngaged = errors.New("pipeline: not engaged")
)

// CodecFactory creates the AAC codec of a session.
type CodecFactory func(config.EncoderConfig) (codec.Codec, error)

// FFmpegCodec is the default [CodecFactory].
func FFmpegCodec(cfg config.EncoderConfig) (codec.Codec, error) {
	return ffmpeg.New(ffmpeg.WithBinary(cfg.FFmpegPath)), nil
}

// Option configures a [Controller].
type Option func(*Controller)

// WithCodecFactory overrides [FFmpegCodec].
func WithCodecFactory(f CodecFactory) Option {
	return func(c *Controller) { c.codecs = f }
}

// WithFocus sets the audio focus provider. Default: a private
// [audio.FocusArbiter].
func WithFocus(f audio.Focus) Option {
	return func(c *Controller) { c.focus = f }
}

// WithPlayerFactory sets the local monitor backend. Default:
// [monitor.OtoPlayer].
func WithPlayerFactory(f monitor.PlayerFactory) Option {
	return func(c *Controller) { c.players = f }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStopTimeout overrides [DefaultStopTimeout].
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithTeeOptions adds options to every tee of a session, after the
// configured ones.
func WithTeeOptions(opts ...tee.Option) Option {
	return func(c *Controller) { c.teeOpts = append(c.teeOpts, opts...) }
}

// WithServerOptions passes options to the stream server.
func WithServerOptions(opts ...server.Option) Option {
	return func(c *Controller) { c.serverOpts = append(c.serverOpts, opts...) }
}

// Controller owns the session lifecycle. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfgFn       func() *config.Config
	sources     config.SourceFactory
	codecs      CodecFactory
	focus       audio.Focus
	players     monitor.PlayerFactory
	metrics     *observe.Metrics
	stopTimeout time.Duration
	teeOpts     []tee.Option
	serverOpts  []server.Option
	owner       string

	server *server.Server
	hub    *hub
	viz    visualizer.Listeners

	// ctl serializes engage, disengage and fault handling.
	ctl sync.Mutex

	mu   sync.Mutex
	sess *session
	gen  uint64
}

// session holds the workers of one engage.
type session struct {
	gen       uint64
	cfg       *config.Config
	capture   *capture.Stage
	encoder   *encoder.Stage
	tap       *visualizer.Tap
	monitor   *monitor.Monitor
	focusHeld bool
	info      audio.Info
	cancel    context.CancelFunc
	watchers  *errgroup.Group
}

// New returns a controller in the Ready state. cfg is called at every
// engage to pick up the current configuration.
func New(cfg func() *config.Config, sources config.SourceFactory, opts ...Option) *Controller {
	c := &Controller{
		cfgFn:       cfg,
		sources:     sources,
		codecs:      FFmpegCodec,
		stopTimeout: DefaultStopTimeout,
		owner:       "vinylcast-" + uuid.NewString(),
		hub:         newHub(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.focus == nil {
		c.focus = audio.NewFocusArbiter()
	}
	sopts := append([]server.Option{server.WithFaultHandler(c.onServerFault)}, c.serverOpts...)
	if c.metrics != nil {
		sopts = append(sopts, server.WithMetrics(c.metrics))
	}
	c.server = server.New(server.Config{}, sopts...)
	return c
}

// Status returns the latest published status.
func (c *Controller) Status() Status { return c.hub.Latest() }

// SubscribeStatus registers fn for status updates. fn is called with the
// latest status before SubscribeStatus returns and must not block or call
// SubscribeStatus.
func (c *Controller) SubscribeStatus(fn func(Status)) (unsubscribe func()) {
	return c.hub.Subscribe(fn)
}

// Visualizer returns the spectrum listener set. Listeners persist across
// sessions.
func (c *Controller) Visualizer() *visualizer.Listeners { return &c.viz }

// Server returns the stream server, for listener registration.
func (c *Controller) Server() *server.Server { return c.server }

// Clients lists the connected stream listeners.
func (c *Controller) Clients() []server.ClientInfo { return c.server.Clients() }

func (c *Controller) publish(ctx context.Context, s Status) {
	if !c.hub.Publish(s) {
		return
	}
	slog.Info("pipeline: status", "status", s.String(), "message", s.Message)
	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, s.State.String())
	}
}

// Engage starts a session. On failure the partial session is torn down,
// Error is published and the error is returned.
func (c *Controller) Engage(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	ctx, span := observe.StartSpan(ctx, "pipeline.engage")
	defer span.End()
	start := time.Now()

	switch c.hub.Latest().State {
	case StatePreparing, StateRecording:
		return ErrEngaged
	case StateError:
		c.publish(ctx, Status{State: StateStopped})
		c.publish(ctx, Status{State: StateReady})
	case StateStopped:
		c.publish(ctx, Status{State: StateReady})
	}
	c.publish(ctx, Status{State: StatePreparing})

	if kind, err := c.engage(ctx); err != nil {
		observe.FailSpan(span, err)
		c.teardown(ctx)
		c.publish(ctx, Status{State: StateError, Kind: kind, Message: err.Error()})
		return err
	}

	c.publish(ctx, Status{State: StateRecording})
	if c.metrics != nil {
		c.metrics.EngageDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// engage runs the engage steps. The partially built session is stored in
// c.sess as it grows so teardown can undo it.
func (c *Controller) engage(ctx context.Context) (ErrorKind, error) {
	log := observe.Logger(ctx)

	// 1. Configuration.
	cfg := c.cfgFn()
	if cfg == nil {
		return KindUnknown, errors.New("pipeline: no configuration")
	}
	if err := config.Validate(cfg); err != nil {
		return KindUnknown, err
	}
	sctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.gen++
	s := &session{gen: c.gen, cfg: cfg, cancel: cancel, watchers: new(errgroup.Group)}
	c.sess = s
	c.mu.Unlock()

	monitored := cfg.Audio.PlaybackDeviceID != audio.DeviceNone
	base := cfg.Audio.StreamBufferBytes
	format := cfg.Audio.Format()

	// 2. Audio focus.
	if monitored {
		if err := c.focus.Acquire(c.owner, c.FocusLost); err != nil {
			return KindAudioFocusFailed, fmt.Errorf("pipeline: acquire audio focus: %w", err)
		}
		s.focusHeld = true
	}

	// 3. Capture.
	src, err := c.sources(cfg.Audio)
	if err != nil {
		return recordKind(err), fmt.Errorf("pipeline: create source: %w", err)
	}
	src.SetRecordingDevice(cfg.Audio.RecordingDeviceID)
	src.SetPlaybackDevice(cfg.Audio.PlaybackDeviceID)
	src.SetLowLatency(cfg.Audio.LowLatency)
	src.SetGainDB(cfg.Audio.GainDB)

	copts := []capture.Option{
		capture.WithStopTimeout(c.stopTimeout),
		capture.WithTeeOptions(c.sessionTeeOptions(s, cfg)...),
	}
	if c.metrics != nil {
		copts = append(copts, capture.WithMetrics(c.metrics))
	}
	s.capture = capture.New(src, base, copts...)
	if err := observe.Step(ctx, "capture.prepare", s.capture.Prepare); err != nil {
		return recordKind(err), fmt.Errorf("pipeline: prepare capture: %w", err)
	}
	s.info = audio.Describe(src)
	format = s.capture.Format()
	if err := observe.Step(ctx, "capture.start", s.capture.Start); err != nil {
		return recordKind(err), fmt.Errorf("pipeline: start capture: %w", err)
	}
	pcm := s.capture.Tee()
	s.watchers.Go(func() error {
		select {
		case <-pcm.Done():
			if err := pcm.Err(); err != nil {
				// fault waits for this group, so it runs outside of it.
				go c.fault(s.gen, KindAudioRecordFailed, fmt.Errorf("pipeline: capture: %w", err))
			}
		case <-sctx.Done():
		}
		return nil
	})

	// 4. Encoder.
	stream := server.Stream{Tee: pcm, Encoding: cfg.Audio.AudioEncoding, Format: format}
	if cfg.Audio.AudioEncoding == audio.EncodingAAC {
		cd, err := c.codecs(cfg.Encoder)
		if err != nil {
			return KindAudioConvertFailed, fmt.Errorf("pipeline: create codec: %w", err)
		}
		eopts := []encoder.Option{
			encoder.WithBitRate(cfg.Encoder.Bitrate),
			encoder.WithTeeOptions(c.sessionTeeOptions(s, cfg)...),
		}
		if c.metrics != nil {
			eopts = append(eopts, encoder.WithMetrics(c.metrics))
		}
		s.encoder = encoder.New(cd, format, base, eopts...)
		if err := observe.Step(ctx, "encoder.start", func() error { return s.encoder.Start(pcm) }); err != nil {
			return KindAudioConvertFailed, fmt.Errorf("pipeline: start encoder: %w", err)
		}
		enc := s.encoder
		s.watchers.Go(func() error {
			select {
			case <-enc.Done():
				if err := enc.Err(); err != nil {
					go c.fault(s.gen, KindAudioConvertFailed, err)
				}
			case <-sctx.Done():
			}
			return nil
		})
		stream.Tee = enc.Tee()
	}

	// 5. HTTP server.
	scfg, err := serverConfig(cfg)
	if err != nil {
		return KindHTTPServerFailed, err
	}
	if err := c.server.Reconfigure(scfg); err != nil {
		return KindHTTPServerFailed, fmt.Errorf("pipeline: configure server: %w", err)
	}
	if err := observe.Step(ctx, "server.start", func() error { return c.server.Start(stream) }); err != nil {
		return KindHTTPServerFailed, fmt.Errorf("pipeline: start server: %w", err)
	}

	// 6. Visualizer.
	vin, err := pcm.Subscribe(base, tee.DropOldest, tee.WithLabel("visualizer"))
	if err != nil {
		return KindUnknown, fmt.Errorf("pipeline: subscribe visualizer: %w", err)
	}
	s.tap, err = visualizer.New(vin, format, visualizer.Config{
		FFTLength: cfg.Visualizer.FFTLength,
		Bins:      cfg.Visualizer.Bins,
		Interval:  cfg.Visualizer.Interval,
		ReadSize:  base,
	}, &c.viz)
	if err != nil {
		vin.Close()
		return KindUnknown, err
	}
	s.tap.Start()

	// 7. Local monitor; also arms the becoming-noisy signal.
	if monitored {
		mon, err := pcm.Subscribe(base, tee.DropOldest, tee.WithLabel("monitor"))
		if err != nil {
			return KindAudioRecordFailed, fmt.Errorf("pipeline: subscribe monitor: %w", err)
		}
		s.monitor = monitor.New(c.players)
		if err := observe.Step(ctx, "monitor.start", func() error { return s.monitor.Start(mon, format) }); err != nil {
			mon.Close()
			s.monitor = nil
			return KindAudioRecordFailed, fmt.Errorf("pipeline: start monitor: %w", err)
		}
	}

	log.Info("pipeline: engaged",
		"source", s.info.API,
		"device", s.info.Device,
		"format", format.String(),
		"encoding", cfg.Audio.AudioEncoding,
		"url", c.server.StreamURL(),
	)
	return KindNone, nil
}

func recordKind(err error) ErrorKind {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return KindPermissionDenied
	}
	return KindAudioRecordFailed
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	scfg := server.Config{
		Addr:             fmt.Sprintf(":%d", cfg.Stream.HTTPPort),
		Path:             cfg.Stream.HTTPPath,
		ImagePath:        cfg.Stream.ImagePath,
		ListenerBuffer:   cfg.Audio.StreamBufferBytes * cfg.Stream.ListenerBufferFactor,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		ResolveHostnames: cfg.Stream.ResolveHostnames,
	}
	if cfg.Stream.ImageFile != "" {
		img, err := os.ReadFile(cfg.Stream.ImageFile)
		if err != nil {
			return scfg, fmt.Errorf("pipeline: read album art: %w", err)
		}
		scfg.Image = img
	}
	return scfg, nil
}

// sessionTeeOptions returns the options shared by the tees of session s.
func (c *Controller) sessionTeeOptions(s *session, cfg *config.Config) []tee.Option {
	opts := []tee.Option{
		tee.WithStallLimit(cfg.Encoder.StallLimit),
		tee.WithEventHandler(func(ev tee.Event) { c.onTeeEvent(s.gen, ev) }),
	}
	return append(opts, c.teeOpts...)
}

// onTeeEvent runs on tee worker goroutines and must not block.
func (c *Controller) onTeeEvent(gen uint64, ev tee.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case tee.EventStalled:
		if c.metrics != nil {
			c.metrics.RecordStall(ctx, ev.Tee)
		}
		if ev.Label == encoder.ConsumerLabel {
			slog.Error("pipeline: encoder stalled", "tee", ev.Tee, "overruns", ev.Overruns)
			go c.fault(gen, KindAudioConvertFailed, encoder.ErrStalled)
		}
	case tee.EventEvicted:
		if c.metrics != nil {
			c.metrics.RecordEviction(ctx, ev.Tee)
			c.metrics.RecordTeeDrop(ctx, ev.Tee, ev.Dropped)
		}
	case tee.EventUnsubscribed:
		if c.metrics != nil {
			c.metrics.RecordTeeDrop(ctx, ev.Tee, ev.Dropped)
		}
	}
}

func (c *Controller) onServerFault(err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	go c.fault(gen, KindHTTPServerFailed, err)
}

// fault ends session gen with an error status. Faults of sessions that are
// already gone are ignored.
func (c *Controller) fault(gen uint64, kind ErrorKind, err error) {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	current := c.sess != nil && c.sess.gen == gen
	c.mu.Unlock()
	if !current {
		slog.Debug("pipeline: ignoring fault of finished session", "gen", gen, "err", err)
		return
	}
	ctx := context.Background()
	slog.Error("pipeline: session failed", "kind", kind.String(), "err", err)
	c.teardown(ctx)
	c.publish(ctx, Status{State: StateError, Kind: kind, Message: err.Error()})
}

// Disengage stops the running session and publishes Stopped. Calling it
// without a session only clears an Error status.
func (c *Controller) Disengage(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	active := c.sess != nil
	c.mu.Unlock()

	if !active {
		if c.hub.Latest().State == StateError {
			c.publish(ctx, Status{State: StateStopped})
		}
		return nil
	}
	err := c.teardown(ctx)
	c.publish(ctx, Status{State: StateStopped})
	return err
}

// teardown stops the workers of the current session in reverse engage order.
// Every step is best effort. Must be called with c.ctl held.
func (c *Controller) teardown(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	log := observe.Logger(ctx)
	var errs []error

	if s.monitor != nil {
		errs = append(errs, s.monitor.Stop())
	}
	if s.tap != nil {
		errs = append(errs, s.tap.Stop(c.stopTimeout))
	}
	errs = append(errs, c.server.Stop())
	if s.encoder != nil {
		errs = append(errs, s.encoder.Stop(c.stopTimeout))
	}
	if s.capture != nil {
		errs = append(errs, s.capture.Stop())
	}
	if s.focusHeld {
		c.focus.Release(c.owner)
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.stopTimeout):
		log.Warn("pipeline: fault watchers did not exit", "timeout", c.stopTimeout)
	}

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		log.Warn("pipeline: teardown finished with errors", "err", err)
	} else {
		log.Info("pipeline: disengaged")
	}
	return err
}

// FocusLost disengages asynchronously after another player took the audio
// focus.
func (c *Controller) FocusLost() {
	if !c.active() {
		return
	}
	slog.Info("pipeline: audio focus lost, disengaging")
	go c.Disengage(context.Background())
}

// DeviceBecameNoisy disengages asynchronously when the playback device went
// away. It reports whether the signal applied; without a monitored playback
// device it is ignored.
func (c *Controller) DeviceBecameNoisy() bool {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || s.cfg.Audio.PlaybackDeviceID == audio.DeviceNone {
		slog.Debug("pipeline: ignoring becoming-noisy signal")
		return false
	}
	slog.Info("pipeline: playback device became noisy, disengaging")
	go c.Disengage(context.Background())
	return true
}

func (c *Controller) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// SetGainDB changes the gain of the running source.
func (c *Controller) SetGainDB(db float64) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil && s.capture != nil {
		s.capture.SetGainDB(db)
	}
}

// SubscribeRaw returns a drop-oldest consumer of the raw PCM stream of the
// running session.
func (c *Controller) SubscribeRaw(capacity int) (*tee.Consumer, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || s.capture == nil || s.capture.Tee() == nil {
		return nil, ErrNotEngaged
	}
	return s.capture.Tee().Subscribe(capacity, tee.DropOldest, tee.WithLabel("raw"))
}

// CodecBreaker returns the codec breaker of the running AAC session, or nil.
func (c *Controller) CodecBreaker() *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.encoder == nil {
		return nil
	}
	return c.sess.encoder.Breaker()
}

// SourceInfo describes the capture source of the running session.
type SourceInfo struct {
	API           string `json:"api"`
	Device        string `json:"device,omitempty"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
}

// Info is a point-in-time view of the controller.
type Info struct {
	Status
	StreamURL   string      `json:"stream_url,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Clients     int         `json:"clients"`
	Source      *SourceInfo `json:"source,omitempty"`
}

// Info returns the current status plus stream details.
func (c *Controller) Info() Info {
	info := Info{
		Status:      c.hub.Latest(),
		StreamURL:   c.server.StreamURL(),
		ContentType: c.server.ContentType(),
		Clients:     c.server.ClientCount(),
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil && s.info.API != "" {
		info.Source = &SourceInfo{
			API:           s.info.API,
			Device:        s.info.Device,
			SampleRate:    s.info.Format.SampleRate,
			Channels:      s.info.Format.Channels,
			BitsPerSample: s.info.Format.BitsPerSample,
		}
	}
	return info
}

// Ready reports an error while the controller is in the Error state or the
// codec breaker is open.
func (c *Controller) Ready(context.Context) error {
	st := c.hub.Latest()
	if st.State == StateError {
		return fmt.Errorf("pipeline: %s: %s", st.Kind, st.Message)
	}
	if b := c.CodecBreaker(); b != nil && b.State() != resilience.StateClosed {
		return fmt.Errorf("pipeline: codec breaker %s", b.State())
	}
	return nil
}

// Close disengages any running session.
func (c *Controller) Close() error {
	return c.Disengage(context.Background())
}
