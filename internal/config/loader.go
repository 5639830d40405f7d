package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/webp"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vinylcast/pkg/adts"
	"github.com/MrWong99/vinylcast/pkg/audio"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VINYLCAST_"

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of [Default] and validates it.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data, applies lookup-based overrides when lookup is set and
// validates.
func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envBinding maps one VINYLCAST_* variable onto a config field.
type envBinding struct {
	name string
	set  func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Server.LogLevel = LogLevel(strings.ToLower(v)); return nil }},
	{"ADMIN_ADDR", func(c *Config, v string) error { c.Server.AdminAddr = v; return nil }},
	{"AUTOSTART", func(c *Config, v string) error { return setBool(&c.Server.Autostart, v) }},
	{"AUDIO_SOURCE", func(c *Config, v string) error { c.Audio.Source = SourceKind(v); return nil }},
	{"FILE_PATH", func(c *Config, v string) error { c.Audio.FilePath = v; return nil }},
	{"AUDIO_ENCODING", func(c *Config, v string) error {
		enc, err := audio.ParseEncoding(v)
		c.Audio.AudioEncoding = enc
		return err
	}},
	{"RECORDING_DEVICE_ID", func(c *Config, v string) error { return setInt(&c.Audio.RecordingDeviceID, v) }},
	{"PLAYBACK_DEVICE_ID", func(c *Config, v string) error { return setInt(&c.Audio.PlaybackDeviceID, v) }},
	{"GAIN_DB", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Audio.GainDB = f
		return err
	}},
	{"HTTP_PORT", func(c *Config, v string) error { return setInt(&c.Stream.HTTPPort, v) }},
	{"WRITE_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Stream.WriteTimeout = d
		return err
	}},
	{"FFMPEG_PATH", func(c *Config, v string) error { c.Encoder.FFmpegPath = v; return nil }},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	*dst = n
	return err
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	*dst = b
	return err
}

// ApplyEnv overrides cfg with VINYLCAST_* variables found through lookup
// (usually [os.LookupEnv]). Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	a := cfg.Audio
	if !a.Source.IsValid() {
		add("audio.source %q is invalid; valid values: portaudio, file, sine", a.Source)
	}
	if a.Source == SourceFile && a.FilePath == "" {
		add("audio.file_path is required when audio.source is file")
	}
	if err := a.Format().Validate(); err != nil {
		add("audio: %w", err)
	}
	if a.Channels > 2 {
		add("audio.channels %d is out of range [1, 2]", a.Channels)
	}
	if a.RecordingDeviceID < audio.DeviceNone {
		add("audio.recording_device_id %d is invalid", a.RecordingDeviceID)
	}
	if a.PlaybackDeviceID < audio.DeviceNone {
		add("audio.playback_device_id %d is invalid", a.PlaybackDeviceID)
	}
	if !a.AudioEncoding.IsValid() {
		add("audio.audio_encoding %q is invalid; valid values: wav, aac", a.AudioEncoding)
	}
	if a.AudioEncoding == audio.EncodingAAC {
		if _, err := adts.SampleRateIndex(a.SampleRate); err != nil {
			add("audio.sample_rate %d cannot be carried in ADTS: %w", a.SampleRate, err)
		}
	}
	if a.GainDB < audio.MinGainDB || a.GainDB > audio.MaxGainDB {
		add("audio.gain_db %.1f is out of range [%v, %v]", a.GainDB, audio.MinGainDB, audio.MaxGainDB)
	}
	if a.StreamBufferBytes < 1024 {
		add("audio.stream_buffer_bytes %d must be at least 1024", a.StreamBufferBytes)
	}

	s := cfg.Stream
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		add("stream.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if !strings.HasPrefix(s.HTTPPath, "/") {
		add("stream.http_path %q must start with /", s.HTTPPath)
	}
	if !strings.HasPrefix(s.ImagePath, "/") {
		add("stream.image_path %q must start with /", s.ImagePath)
	} else if s.ImagePath == s.HTTPPath {
		add("stream.image_path must differ from stream.http_path")
	}
	if s.ImageFile != "" {
		if err := validateImage(s.ImageFile); err != nil {
			add("stream.image_file: %w", err)
		}
	}
	if s.ListenerBufferFactor < 1 {
		add("stream.listener_buffer_factor %d must be at least 1", s.ListenerBufferFactor)
	}
	if s.WriteTimeout <= 0 {
		add("stream.write_timeout must be positive")
	}

	if cfg.Encoder.Bitrate <= 0 {
		add("encoder.bitrate %d must be positive", cfg.Encoder.Bitrate)
	}
	if cfg.Encoder.StallLimit < 1 {
		add("encoder.stall_limit %d must be at least 1", cfg.Encoder.StallLimit)
	}

	v := cfg.Visualizer
	if v.FFTLength < 16 || v.FFTLength&(v.FFTLength-1) != 0 {
		add("visualizer.fft_length %d must be a power of two >= 16", v.FFTLength)
	}
	if v.Bins < 1 || v.Bins > v.FFTLength/2 {
		add("visualizer.bins %d is out of range [1, fft_length/2]", v.Bins)
	}
	if v.Interval <= 0 {
		add("visualizer.interval must be positive")
	}

	return errors.Join(errs...)
}

// validateImage checks that path holds a decodable WebP image.
func validateImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	c, err := webp.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%q is not a WebP image: %w", path, err)
	}
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("%q has empty dimensions", path)
	}
	return nil
}
