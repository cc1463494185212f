package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/internal/session"
	audiomock "github.com/MrWong99/duplexvoice/pkg/audio/mock"
	s2smock "github.com/MrWong99/duplexvoice/pkg/provider/s2s/mock"
)

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltins(reg)

	if got := reg.Names("provider"); !slices.Equal(got, []string{"gemini-live", "openai-realtime"}) {
		t.Errorf("providers: got %v", got)
	}
	if got := reg.Names("capture"); !slices.Equal(got, []string{"portaudio"}) {
		t.Errorf("capture: got %v", got)
	}
	if got := reg.Names("output"); !slices.Equal(got, []string{"oto"}) {
		t.Errorf("output: got %v", got)
	}
}

func TestBuildProvider_WithFallbacks(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltins(reg)
	cfg := &config.Config{
		Provider:  config.ProviderEntry{Name: "gemini-live", APIKey: "g"},
		Fallbacks: []config.ProviderEntry{{Name: "openai-realtime", APIKey: "o"}},
	}
	cfg.ApplyDefaults()

	p, err := buildProvider(cfg, reg, slog.Default())
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p.Name() != "gemini-live" {
		t.Errorf("Name: got %q", p.Name())
	}
	states := p.States()
	if len(states) != 2 || states["openai-realtime"] != resilience.StateClosed {
		t.Errorf("States: got %v", states)
	}
}

func TestBuildProvider_UnknownFallback(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltins(reg)
	cfg := &config.Config{
		Provider:  config.ProviderEntry{Name: "gemini-live"},
		Fallbacks: []config.ProviderEntry{{Name: "nope"}},
	}
	if _, err := buildProvider(cfg, reg, slog.Default()); err == nil {
		t.Fatal("expected error for unregistered fallback")
	}
}

func TestNewHTTPServer_Routes(t *testing.T) {
	t.Parallel()
	tel, err := observe.InitProvider(t.Context(), observe.ProviderConfig{})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(t.Context()) })

	provider := resilience.NewProvider(&s2smock.Provider{}, resilience.FallbackConfig{})
	ctrl, err := session.New(session.Config{
		Provider: provider,
		Capture:  audiomock.NewCaptureDevice(),
		Output:   audiomock.NewOutputDevice(),
		Metrics:  tel.Metrics,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	srv := httptest.NewServer(newHTTPServer(":0", ctrl, provider, tel).Handler)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("OPENAI_API_KEY", "o")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "g" || len(cfg.Fallbacks) != 1 {
		t.Errorf("provider: got %+v, fallbacks %+v", cfg.Provider, cfg.Fallbacks)
	}
	if !strings.Contains(cfg.Session.Instructions, "voice assistant") {
		t.Errorf("instructions: got %q", cfg.Session.Instructions)
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"s": "v", "n": 3}
	if got := optString(opts, "s"); got != "v" {
		t.Errorf("s: got %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("n: got %q, want empty", got)
	}
	if got := optString(nil, "s"); got != "" {
		t.Errorf("nil map: got %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
