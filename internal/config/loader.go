package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "openai-realtime"},
	"capture":  {"portaudio"},
	"output":   {"oto"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in the API key, validates the result and applies defaults.
// Unknown fields are rejected. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	for i := range cfg.Fallbacks {
		cfg.Fallbacks[i].APIKey = os.ExpandEnv(cfg.Fallbacks[i].APIKey)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Zero values are
// accepted since [Config.ApplyDefaults] replaces them.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateName("provider", cfg.Provider.Name)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the remote handshake will likely be rejected",
			"provider", cfg.Provider.Name)
	}

	seen := map[string]bool{cfg.Provider.Name: true}
	for i, fb := range cfg.Fallbacks {
		switch {
		case fb.Name == "":
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
		case seen[fb.Name]:
			errs = append(errs, fmt.Errorf("fallbacks[%d].name %q is duplicate", i, fb.Name))
		default:
			validateName("provider", fb.Name)
		}
		seen[fb.Name] = true
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}

	// Session
	s := cfg.Session
	nonNegative := []struct {
		field string
		value int
	}{
		{"session.input_sample_rate", s.InputSampleRate},
		{"session.output_sample_rate", s.OutputSampleRate},
		{"session.block_size", s.BlockSize},
		{"session.transcript_retention", s.TranscriptRetention},
		{"session.send_queue", s.SendQueue},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.field, f.value))
		}
	}
	if s.InputSampleRate > 0 && (s.InputSampleRate < 8000 || s.InputSampleRate > 48000) {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d is out of range [8000, 48000]", s.InputSampleRate))
	}
	if s.OutputSampleRate > 0 && (s.OutputSampleRate < 8000 || s.OutputSampleRate > 48000) {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d is out of range [8000, 48000]", s.OutputSampleRate))
	}
	if s.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout %v must not be negative", s.HandshakeTimeout))
	}

	// Devices
	validateName("capture", cfg.Devices.Capture)
	validateName("output", cfg.Devices.Output)

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidProviderNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
