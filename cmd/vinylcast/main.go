// Command vinylcast captures a line-in source and streams it to HTTP
// listeners as WAV or AAC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/vinylcast/internal/api"
	"github.com/MrWong99/vinylcast/internal/config"
	"github.com/MrWong99/vinylcast/internal/health"
	"github.com/MrWong99/vinylcast/internal/observe"
	"github.com/MrWong99/vinylcast/internal/pipeline"
	"github.com/MrWong99/vinylcast/internal/server"
	"github.com/MrWong99/vinylcast/pkg/audio"
	"github.com/MrWong99/vinylcast/pkg/audio/mp3file"
	"github.com/MrWong99/vinylcast/pkg/audio/portaudio"
	"github.com/MrWong99/vinylcast/pkg/audio/sine"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file; empty uses defaults")
	envFile := flag.String("env-file", ".env", "optional dotenv file with VINYLCAST_* overrides")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vinylcast: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration ─────────────────────────────────────────────────────────
	// The watcher may report changes before the controller exists.
	var running atomic.Pointer[pipeline.Controller]
	current, stopWatch, err := loadConfig(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if c := running.Load(); d.GainChanged && c != nil {
			c.SetGainDB(d.NewGainDB)
			slog.Info("gain changed", "gain_db", d.NewGainDB)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vinylcast: config file %q not found; pass -config \"\" to run with defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vinylcast: %v\n", err)
		}
		return 1
	}
	defer stopWatch()
	cfg := current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("vinylcast starting",
		"config", *configPath,
		"admin_addr", cfg.Server.AdminAddr,
		"source", cfg.Audio.Source,
		"encoding", cfg.Audio.AudioEncoding,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{Registry: reg})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()
	mw := observe.Middleware(metrics)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	sources := config.NewRegistry()
	registerSources(sources)

	ctl := pipeline.New(current, sources.CreateSource,
		pipeline.WithMetrics(metrics),
		pipeline.WithServerOptions(server.WithMiddleware(mw)),
	)
	ctl.Server().AddListener(logListener())
	running.Store(ctl)

	// ── Admin surface ─────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(ctl, api.WithMiddleware(mw)).Register(mux)
	health.New(health.Checker{Name: "pipeline", Check: ctl.Ready}).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(reg))

	admin := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminErr := make(chan error, 1)
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminErr <- err
		}
		close(adminErr)
	}()

	printStartupSummary(cfg, sources.Sources())

	if cfg.Server.Autostart {
		if err := ctl.Engage(ctx); err != nil {
			slog.Error("autostart failed", "err", err)
		}
	}

	slog.Info("ready, press Ctrl+C to shut down")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-adminErr:
		if err != nil {
			slog.Error("admin server failed", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ctl.Close(); err != nil {
		slog.Warn("pipeline close", "err", err)
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig returns the config accessor for path. An empty path runs on
// defaults plus environment overrides without hot reload.
func loadConfig(path string, onChange config.ChangeFunc) (current func() *config.Config, stop func(), err error) {
	if path == "" {
		cfg := config.Default()
		if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
			return nil, nil, err
		}
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
		return func() *config.Config { return cfg }, func() {}, nil
	}
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		return nil, nil, err
	}
	return w.Current, w.Stop, nil
}

// registerSources wires the built-in audio sources into reg.
func registerSources(reg *config.Registry) {
	reg.RegisterSource(config.SourcePortAudio, func(a config.AudioConfig) (audio.Source, error) {
		return portaudio.New(a.SampleRate, a.Channels), nil
	})
	reg.RegisterSource(config.SourceFile, func(a config.AudioConfig) (audio.Source, error) {
		return mp3file.New(a.FilePath, a.Loop), nil
	})
	reg.RegisterSource(config.SourceSine, func(a config.AudioConfig) (audio.Source, error) {
		return sine.New(sine.WithFormat(a.SampleRate, a.Channels)), nil
	})
}

// logListener logs stream server notifications.
func logListener() server.Listener {
	return server.Listener{
		OnStarted: func(url string) { slog.Info("stream available", "url", url) },
		OnStopped: func() { slog.Info("stream stopped") },
		OnClientConnected: func(c server.ClientInfo) {
			slog.Info("listener connected", "client_id", c.ID, "remote", c.RemoteAddr, "host", c.Hostname)
		},
		OnClientDisconnected: func(c server.ClientInfo, reason error) {
			slog.Info("listener disconnected", "client_id", c.ID, "bytes", c.BytesSent, "reason", reason)
		},
	}
}

func printStartupSummary(cfg *config.Config, sources []config.SourceKind) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VinylCast — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Source          : %-19s ║\n", cfg.Audio.Source)
	fmt.Printf("║  Format          : %-19s ║\n", cfg.Audio.Format().String())
	fmt.Printf("║  Encoding        : %-19s ║\n", cfg.Audio.AudioEncoding)
	fmt.Printf("║  Stream port     : %-19d ║\n", cfg.Stream.HTTPPort)
	fmt.Printf("║  Stream path     : %-19s ║\n", cfg.Stream.HTTPPath)
	fmt.Printf("║  Admin addr      : %-19s ║\n", cfg.Server.AdminAddr)
	if cfg.Audio.PlaybackDeviceID != audio.DeviceNone {
		fmt.Printf("║  Monitor         : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Monitor         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Sources         : %-19d ║\n", len(sources))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
