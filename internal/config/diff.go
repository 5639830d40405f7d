package config

// ConfigDiff describes what changed between two configs. Log level and gain
// apply to the running session; everything else takes effect on the next
// engage.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GainChanged bool
	NewGainDB   float64

	// RestartRequired lists the sections whose changes only apply to the
	// next session.
	RestartRequired []string
}

// HotReloadable reports whether d holds changes for the running session.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.GainChanged
}

// Empty reports whether d holds no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.HotReloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.GainDB != new.Audio.GainDB {
		d.GainChanged = true
		d.NewGainDB = new.Audio.GainDB
	}

	oldAudio, newAudio := old.Audio, new.Audio
	oldAudio.GainDB, newAudio.GainDB = 0, 0
	if oldAudio != newAudio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Stream != new.Stream {
		d.RestartRequired = append(d.RestartRequired, "stream")
	}
	if old.Encoder != new.Encoder {
		d.RestartRequired = append(d.RestartRequired, "encoder")
	}
	if old.Visualizer != new.Visualizer {
		d.RestartRequired = append(d.RestartRequired, "visualizer")
	}
	if old.Server.AdminAddr != new.Server.AdminAddr {
		d.RestartRequired = append(d.RestartRequired, "server.admin_addr")
	}
	return d
}
