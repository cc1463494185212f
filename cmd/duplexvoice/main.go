// Command duplexvoice streams the default microphone to a realtime
// speech-to-speech model and plays the model's voice back on the default
// speaker, printing both sides of the conversation as it happens.
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/health"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/internal/session"
	"github.com/MrWong99/duplexvoice/internal/stream"
	"github.com/MrWong99/duplexvoice/internal/transcript"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	otoout "github.com/MrWong99/duplexvoice/pkg/audio/oto"
	"github.com/MrWong99/duplexvoice/pkg/audio/portaudio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/duplexvoice/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/duplexvoice/pkg/provider/s2s/openai"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("duplexvoice starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version, RuntimeMetrics: true})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider and device wiring ────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := buildProvider(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to create provider", "err", err)
		return 1
	}
	mic, err := reg.CreateCapture(cfg.Devices.Capture)
	if err != nil {
		slog.Error("failed to create capture device", "name", cfg.Devices.Capture, "err", err)
		return 1
	}
	speaker, err := reg.CreateOutput(cfg.Devices.Output)
	if err != nil {
		slog.Error("failed to create output device", "name", cfg.Devices.Output, "err", err)
		return 1
	}

	ctrl, err := session.New(session.Config{
		Provider:            provider,
		Capture:             mic,
		Output:              speaker,
		TranscriptRetention: cfg.Session.TranscriptRetention,
		Logger:              logger,
		Metrics:             tel.Metrics,
	})
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)

	// ── Health and metrics listener (optional) ────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, ctrl, provider, tel)
		g.Go(func() error {
			slog.Info("http listener started", "addr", cfg.Server.ListenAddr)
			var err error
			if tls := cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http listener: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Config hot reload (optional) ──────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, config.WithLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error {
				return w.Run(gctx, func(c config.Change) {
					if c.Diff.LogLevelChanged {
						level.Set(slogLevel(c.Diff.NewLogLevel))
						slog.Info("log level changed", "level", c.Diff.NewLogLevel)
					}
					if c.Diff.RequiresReopen() {
						slog.Warn("configuration change takes effect on restart", "changed", c.Diff.Fields())
					}
				})
			})
		}
	}

	// ── Console output ────────────────────────────────────────────────────────
	status, unsubStatus := ctrl.Status()
	transcripts, unsubTranscripts := ctrl.Transcripts()
	g.Go(func() error {
		printStatus(gctx, status)
		return nil
	})
	g.Go(func() error {
		printTranscripts(gctx, transcripts)
		return nil
	})

	// ── Session ───────────────────────────────────────────────────────────────
	g.Go(func() error {
		// A session that ends on its own stops the whole process.
		defer stop()
		defer unsubStatus()
		defer unsubTranscripts()

		if err := ctrl.Open(gctx, cfg.Session.StreamConfig()); err != nil {
			return err
		}
		slog.Info("session open; speak now, press Ctrl+C to stop", "endpoint", provider.Active())

		select {
		case <-gctx.Done():
		case <-ctrl.Session().Done():
		}
		closeErr := ctrl.Close()
		printStats(ctrl.Session().Stats())
		if err := ctrl.Err(); err != nil {
			return err
		}
		return closeErr
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session ended with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the provider and device implementations that ship
// with duplexvoice into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterProvider(geminilive.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProvider(oais2s.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterCapture("portaudio", func() (audio.CaptureDevice, error) {
		return portaudio.NewCapture(), nil
	})
	reg.RegisterOutput("oto", func() (audio.OutputDevice, error) {
		return otoout.NewOutput(), nil
	})
}

// buildProvider creates the configured primary provider and its fallbacks
// behind per-endpoint circuit breakers.
func buildProvider(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*resilience.Provider, error) {
	primary, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	p := resilience.NewProvider(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			Logger:       logger,
		},
	})
	for _, entry := range cfg.Fallbacks {
		fb, err := reg.CreateProvider(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		p.AddFallback(fb)
		slog.Info("fallback provider registered", "name", entry.Name)
	}
	return p, nil
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newHTTPServer(addr string, ctrl *session.Controller, provider *resilience.Provider, tel *observe.Telemetry) *http.Server {
	mux := http.NewServeMux()
	health.New([]health.Checker{{Name: "provider", Check: provider.Check}},
		health.WithSession(ctrl),
		health.WithLogger(slog.Default()),
	).Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(tel.Metrics, slog.Default())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Console ───────────────────────────────────────────────────────────────────

func printStatus(ctx context.Context, events <-chan session.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				fmt.Printf("[%s] %s: %v\n", ev.At.Format(time.TimeOnly), ev.State, ev.Err)
				continue
			}
			fmt.Printf("[%s] %s\n", ev.At.Format(time.TimeOnly), ev.State)
		}
	}
}

// printTranscripts prints each transcript entry once. Snapshots may skip
// entries when the console falls behind; only entries still retained are shown.
func printTranscripts(ctx context.Context, snaps <-chan []transcript.Entry) {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			for _, e := range snap {
				if e.Seq <= last {
					continue
				}
				last = e.Seq
				fmt.Printf("%-6s %s\n", e.Speaker+":", e.Text)
			}
		}
	}
}

func printStats(st stream.Stats) {
	fmt.Println("── session stats ──")
	fmt.Printf("  frames sent       : %d\n", st.FramesSent)
	fmt.Printf("  frames dropped    : %d\n", st.FramesDropped)
	fmt.Printf("  capture errors    : %d\n", st.CaptureReadErrors)
	fmt.Printf("  buffers scheduled : %d\n", st.BuffersScheduled)
	fmt.Printf("  buffers cancelled : %d\n", st.BuffersCancelled)
	fmt.Printf("  interruptions     : %d\n", st.Interruptions)
	fmt.Printf("  codec errors      : %d\n", st.CodecErrors)
	fmt.Printf("  remote errors     : %d\n", st.RemoteErrors)
	fmt.Printf("  transcript events : %d\n", st.Transcripts)
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      duplexvoice — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	for _, fb := range cfg.Fallbacks {
		printRow("Fallback", fb.Name, fb.Model)
	}
	printRow("Capture", cfg.Devices.Capture, fmt.Sprintf("%d Hz", cfg.Session.InputSampleRate))
	printRow("Output", cfg.Devices.Output, fmt.Sprintf("%d Hz", cfg.Session.OutputSampleRate))
	printRow("Voice", cfg.Session.Voice, "")
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(default)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
