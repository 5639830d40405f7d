// Package config provides the configuration schema, loader, environment
// overrides, hot-reload watcher and audio source registry for VinylCast.
package config

import (
	"time"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceKind selects the audio source implementation.
type SourceKind string

const (
	// SourcePortAudio captures the line-in through PortAudio.
	SourcePortAudio SourceKind = "portaudio"

	// SourceFile replays an MP3 file at real-time pace.
	SourceFile SourceKind = "file"

	// SourceSine generates a test tone.
	SourceSine SourceKind = "sine"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourcePortAudio, SourceFile, SourceSine:
		return true
	}
	return false
}

// Config is the root configuration, loaded with [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Stream     StreamConfig     `yaml:"stream"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Visualizer VisualizerConfig `yaml:"visualizer"`
}

// ServerConfig holds the admin surface settings.
type ServerConfig struct {
	// AdminAddr is the listen address of the admin API (e.g. ":9090").
	AdminAddr string `yaml:"admin_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// Autostart engages the pipeline right after start-up.
	Autostart bool `yaml:"autostart"`
}

// AudioConfig describes capture, monitoring and encoding.
type AudioConfig struct {
	Source   SourceKind `yaml:"source"`
	FilePath string     `yaml:"file_path"`
	Loop     bool       `yaml:"loop"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// RecordingDeviceID is audio.DeviceAuto (0), audio.DeviceNone (-1) or a
	// 1-based device index.
	RecordingDeviceID int `yaml:"recording_device_id"`

	// PlaybackDeviceID enables the local monitor and audio focus when not
	// audio.DeviceNone.
	PlaybackDeviceID int `yaml:"playback_device_id"`

	AudioEncoding audio.Encoding `yaml:"audio_encoding"`
	LowLatency    bool           `yaml:"low_latency"`

	// GainDB is applied to the captured PCM; range [-10, 10].
	GainDB float64 `yaml:"gain_db"`

	// StreamBufferBytes is the base size of every pipe in the pipeline.
	StreamBufferBytes int `yaml:"stream_buffer_bytes"`
}

// Format returns the PCM format requested for capture.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BitsPerSample: 16}
}

// StreamConfig holds the listener-facing HTTP server settings.
type StreamConfig struct {
	HTTPPort int    `yaml:"http_port"`
	HTTPPath string `yaml:"http_path"`

	// ImagePath serves ImageFile (WebP album art) when ImageFile is set.
	ImagePath string `yaml:"image_path"`
	ImageFile string `yaml:"image_file"`

	// ListenerBufferFactor multiplies StreamBufferBytes for each listener's
	// pipe.
	ListenerBufferFactor int `yaml:"listener_buffer_factor"`

	// WriteTimeout bounds a single write to a listener.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ResolveHostnames does a reverse DNS lookup for connected clients.
	ResolveHostnames bool `yaml:"resolve_hostnames"`
}

// EncoderConfig configures the AAC encoder stage.
type EncoderConfig struct {
	Bitrate    int    `yaml:"bitrate"`
	FFmpegPath string `yaml:"ffmpeg_path"`

	// StallLimit is the number of consecutive missed deadlines after which
	// the encoder is considered stalled.
	StallLimit int `yaml:"stall_limit"`
}

// VisualizerConfig configures the spectrum tap.
type VisualizerConfig struct {
	FFTLength int           `yaml:"fft_length"`
	Bins      int           `yaml:"bins"`
	Interval  time.Duration `yaml:"interval"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddr: ":9090",
			LogLevel:  LogInfo,
		},
		Audio: AudioConfig{
			Source:            SourcePortAudio,
			SampleRate:        48000,
			Channels:          2,
			RecordingDeviceID: audio.DeviceAuto,
			PlaybackDeviceID:  audio.DeviceNone,
			AudioEncoding:     audio.EncodingWAV,
			StreamBufferBytes: 8192,
		},
		Stream: StreamConfig{
			HTTPPort:             8080,
			HTTPPath:             "/vinylcast",
			ImagePath:            "/image.webp",
			ListenerBufferFactor: 16,
			WriteTimeout:         5 * time.Second,
		},
		Encoder: EncoderConfig{
			Bitrate:    192000,
			FFmpegPath: "ffmpeg",
			StallLimit: 3,
		},
		Visualizer: VisualizerConfig{
			FFTLength: 256,
			Bins:      16,
			Interval:  66 * time.Millisecond,
		},
	}
}
