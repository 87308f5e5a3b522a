package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are reported individually; everything else is listed by section
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EchoChanged  bool
	FloorChanged bool

	// RestartRequired names the top-level sections that changed but are only
	// read at startup (e.g. "devices", "replay").
	RestartRequired []string
}

// HotReloadable reports whether d contains anything that can be applied to a
// running session.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.EchoChanged || d.FloorChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.EchoChanged = old.Echo != new.Echo
	d.FloorChanged = old.Floor.Settings() != new.Floor.Settings()

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	startup := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"telemetry", old.Telemetry, new.Telemetry},
		{"audio", old.Audio, new.Audio},
		{"devices", old.Devices, new.Devices},
		{"vad", old.VAD, new.VAD},
		{"segmenter", old.Segmenter, new.Segmenter},
		{"replay", old.Replay, new.Replay},
		{"sink", old.Sink, new.Sink},
	}
	for _, s := range startup {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}
