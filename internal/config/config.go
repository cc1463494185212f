// Package config provides the configuration schema, loader, and provider
// registry for duplexvoice.
package config

import (
	"time"

	"github.com/MrWong99/duplexvoice/internal/stream"
	"github.com/MrWong99/duplexvoice/internal/transcript"
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

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxFailures      = 3
	DefaultResetTimeout     = 30 * time.Second
	DefaultCaptureDevice    = "portaudio"
	DefaultOutputDevice     = "oto"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider's handshake
	// fails or its circuit breaker is open.
	Fallbacks  []ProviderEntry  `yaml:"fallbacks"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Session    SessionConfig    `yaml:"session"`
	Devices    DevicesConfig    `yaml:"devices"`
}

// ResilienceConfig tunes the per-provider circuit breakers guarding the
// handshake.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive handshake failures that open a
	// provider's breaker. Default 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before allowing a probe.
	// Default 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ServerConfig holds logging settings and the optional health/metrics
// listener.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the remote speech-to-speech endpoint.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live",
	// "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. ${VAR} references are
	// expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the per-session audio and conversation parameters.
type SessionConfig struct {
	// InputSampleRate is the microphone rate in Hz. Default 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BlockSize is the number of microphone samples per frame. Default 4096.
	BlockSize int `yaml:"block_size"`

	// TranscriptRetention is the number of transcript entries kept for
	// display. Default 20.
	TranscriptRetention int `yaml:"transcript_retention"`

	// Instructions is the system prompt sent to the model.
	Instructions string `yaml:"instructions"`

	// Voice selects the model's output voice.
	Voice string `yaml:"voice"`

	// HandshakeTimeout bounds the remote handshake. Default 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SendQueue is the outbound frame queue capacity. Default 32.
	SendQueue int `yaml:"send_queue"`
}

// DevicesConfig names the registered audio device backends.
type DevicesConfig struct {
	// Capture selects the microphone backend. Default "portaudio".
	Capture string `yaml:"capture"`

	// Output selects the speaker backend. Default "oto".
	Output string `yaml:"output"`
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = DefaultMaxFailures
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = DefaultResetTimeout
	}
	s := &c.Session
	if s.InputSampleRate == 0 {
		s.InputSampleRate = stream.DefaultInputSampleRate
	}
	if s.OutputSampleRate == 0 {
		s.OutputSampleRate = stream.DefaultOutputSampleRate
	}
	if s.BlockSize == 0 {
		s.BlockSize = stream.DefaultBlockSize
	}
	if s.TranscriptRetention == 0 {
		s.TranscriptRetention = transcript.DefaultRetention
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.SendQueue == 0 {
		s.SendQueue = stream.DefaultSendQueue
	}
	if c.Devices.Capture == "" {
		c.Devices.Capture = DefaultCaptureDevice
	}
	if c.Devices.Output == "" {
		c.Devices.Output = DefaultOutputDevice
	}
}

// StreamConfig converts the session block into a [stream.Config].
func (s SessionConfig) StreamConfig() stream.Config {
	return stream.Config{
		InputSampleRate:  s.InputSampleRate,
		OutputSampleRate: s.OutputSampleRate,
		BlockSize:        s.BlockSize,
		SendQueue:        s.SendQueue,
		Instructions:     s.Instructions,
		Voice:            s.Voice,
		HandshakeTimeout: s.HandshakeTimeout,
	}
}
