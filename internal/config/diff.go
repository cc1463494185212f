package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; everything else takes effect on the
// next session.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	ListenAddrChanged bool
	ProviderChanged   bool // primary, fallbacks or breaker tuning
	SessionChanged    bool
	DevicesChanged    bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.ProviderChanged = !reflect.DeepEqual(old.Provider, new.Provider) ||
		!reflect.DeepEqual(old.Fallbacks, new.Fallbacks) ||
		old.Resilience != new.Resilience
	d.SessionChanged = old.Session != new.Session
	d.DevicesChanged = old.Devices != new.Devices

	return d
}

// Empty reports whether nothing tracked changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ListenAddrChanged && !d.ProviderChanged &&
		!d.SessionChanged && !d.DevicesChanged
}

// RequiresReopen reports whether the active session must be reopened to pick
// up the change.
func (d ConfigDiff) RequiresReopen() bool {
	return d.ProviderChanged || d.SessionChanged || d.DevicesChanged
}

// Fields lists the changed sections by their YAML names, for logging.
func (d ConfigDiff) Fields() []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.ListenAddrChanged {
		out = append(out, "server.listen_addr")
	}
	if d.ProviderChanged {
		out = append(out, "provider")
	}
	if d.SessionChanged {
		out = append(out, "session")
	}
	if d.DevicesChanged {
		out = append(out, "devices")
	}
	return out
}
