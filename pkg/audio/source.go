package audio

import "errors"

// ErrPermissionDenied is returned by [Source.Prepare] when the capture device
// refuses access.
var ErrPermissionDenied = errors.New("audio: permission denied")

// ErrNotPrepared is returned by [Source.Start] when Prepare has not succeeded.
var ErrNotPrepared = errors.New("audio: source not prepared")

// Source is a PCM capture device. Implementations deliver interleaved
// little-endian PCM of [Source.Format] to the registered frame callback,
// usually from a high-priority audio thread. The callback must not retain the
// slice after it returns.
type Source interface {
	// Prepare opens the device. It must be called before Start.
	Prepare() error

	// Start begins delivering frames to the callback registered via OnFrame.
	Start() error

	// Stop halts delivery. No callback is running once Stop returns.
	Stop() error

	// SetGainDB sets the linear gain applied before frames are delivered.
	SetGainDB(db float64)

	// SetRecordingDevice selects the capture device before Prepare.
	SetRecordingDevice(id int)

	// SetPlaybackDevice selects the monitor device before Prepare.
	SetPlaybackDevice(id int)

	// SetLowLatency requests the minimum-latency path before Prepare.
	SetLowLatency(enabled bool)

	// Format returns the PCM format delivered to the callback.
	Format() Format

	// OnFrame registers the frame callback. Only one callback is kept.
	OnFrame(fn func(frame []byte))
}

// ErrorNotifier is implemented by sources that can fail after Start, for
// example when the device disappears or the input cannot be decoded. The
// source calls fn at most once per session and stops delivering frames.
type ErrorNotifier interface {
	OnError(fn func(err error))
}

// Info describes a prepared source for status reporting.
type Info struct {
	// API names the driver backing the source, e.g. "portaudio".
	API    string `json:"api"`
	Device string `json:"device,omitempty"`
	Format Format `json:"-"`
}

// Describer is implemented by sources that can report driver details.
type Describer interface {
	Info() Info
}

// Describe returns src's Info, falling back to its format alone.
func Describe(src Source) Info {
	if d, ok := src.(Describer); ok {
		info := d.Info()
		info.Format = src.Format()
		return info
	}
	return Info{API: "unknown", Format: src.Format()}
}
