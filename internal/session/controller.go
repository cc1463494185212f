// Package session provides the [Controller], the single entry point used by
// front ends to run voice sessions.
//
// The Controller owns at most one [stream.Session] at a time. It builds the
// session together with its transcript aggregator, forwards the session's
// state transitions to status subscribers and publishes a transcript snapshot
// after every transcript delta. Because the microphone and speaker are
// exclusive, a second Open while a session is active fails with
// [audio.ErrDeviceBusy].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/stream"
	"github.com/MrWong99/duplexvoice/internal/transcript"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

const (
	// statusBuffer is the capacity of each status subscription.
	statusBuffer = 16
)

// StatusEvent reports a session state change to subscribers. Only the
// externally meaningful states are published: Connecting, Open, Failed and
// Closed.
type StatusEvent struct {
	// SessionID identifies the session that changed state.
	SessionID string

	// State is the state that was entered.
	State stream.State

	// Err is the failure reason for [stream.StateFailed], nil otherwise.
	Err error

	// At is when the transition happened.
	At time.Time
}

// Config holds the Controller's dependencies.
type Config struct {
	// Provider is the remote speech-to-speech endpoint. Required.
	Provider s2s.Provider

	// Capture and Output are the audio devices. Required.
	Capture audio.CaptureDevice
	Output  audio.OutputDevice

	// TranscriptRetention bounds the transcript log of each session. Zero
	// uses [transcript.DefaultRetention].
	TranscriptRetention int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller runs one voice session at a time. All methods are safe for
// concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	current *stream.Session

	subMu       sync.Mutex
	statusSubs  map[chan StatusEvent]struct{}
	transcripts map[chan []transcript.Entry]struct{}
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil || cfg.Capture == nil || cfg.Output == nil {
		return nil, errors.New("session: provider, capture and output devices are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{
		cfg:         cfg,
		log:         cfg.Logger,
		statusSubs:  make(map[chan StatusEvent]struct{}),
		transcripts: make(map[chan []transcript.Entry]struct{}),
	}, nil
}

// Open starts a new session with scfg and blocks until it is open or has
// failed. It returns an error wrapping [audio.ErrDeviceBusy] while another
// session is still active. Failures are also published as status events.
func (c *Controller) Open(ctx context.Context, scfg stream.Config) error {
	c.mu.Lock()
	if c.current != nil && c.current.State() != stream.StateClosed {
		id := c.current.ID()
		c.mu.Unlock()
		return fmt.Errorf("session: session %s is still active: %w", id, audio.ErrDeviceBusy)
	}

	agg := transcript.New(
		transcript.WithRetention(c.cfg.TranscriptRetention),
		transcript.WithNotify(c.publishTranscript),
	)

	var sess *stream.Session
	sess, err := stream.New(c.cfg.Provider, c.cfg.Capture, c.cfg.Output, scfg,
		stream.WithLogger(c.log),
		stream.WithMetrics(c.cfg.Metrics),
		stream.WithTranscripts(agg),
		stream.WithStateHook(func(st stream.State, err error) {
			c.publishStatus(sess, st, err)
		}),
	)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("session: %w", err)
	}
	c.current = sess
	c.mu.Unlock()

	c.log.Info("session: opening", "session_id", sess.ID(), "provider", c.cfg.Provider.Name())
	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	return nil
}

// Close tears down the current session, if any, and waits until it is
// closed. No scheduled audio remains after Close returns. Close is
// idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// State returns the current session's state, or [stream.StateIdle] when no
// session was ever opened.
func (c *Controller) State() stream.State {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return stream.StateIdle
	}
	return sess.State()
}

// Err returns the failure reason of the current session, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Err()
}

// Stats returns the current session's counters, or zero values when no
// session was ever opened.
func (c *Controller) Stats() stream.Stats {
	sess := c.Session()
	if sess == nil {
		return stream.Stats{}
	}
	return sess.Stats()
}

// Session returns the current session, or nil.
func (c *Controller) Session() *stream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Snapshot returns the current session's transcript log.
func (c *Controller) Snapshot() []transcript.Entry {
	sess := c.Session()
	if sess == nil {
		return nil
	}
	return sess.Transcripts().Snapshot()
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Status subscribes to status events. The channel is buffered; when a
// subscriber falls behind, the oldest pending events are discarded so the
// most recent ones (including the terminal Closed) are always delivered.
// Call the returned function to unsubscribe; it closes the channel.
func (c *Controller) Status() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, statusBuffer)
	c.subMu.Lock()
	c.statusSubs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.statusSubs, ch)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// Transcripts subscribes to transcript snapshots. Only the latest snapshot
// is kept for a subscriber that has not received the previous one. Call the
// returned function to unsubscribe; it closes the channel.
func (c *Controller) Transcripts() (<-chan []transcript.Entry, func()) {
	ch := make(chan []transcript.Entry, 1)
	c.subMu.Lock()
	c.transcripts[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.transcripts, ch)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) publishStatus(sess *stream.Session, st stream.State, err error) {
	switch st {
	case stream.StateConnecting, stream.StateOpen, stream.StateFailed, stream.StateClosed:
	default:
		return
	}
	ev := StatusEvent{State: st, Err: err, At: time.Now()}
	if sess != nil {
		ev.SessionID = sess.ID()
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.statusSubs {
		sendLatest(ch, ev)
	}
}

func (c *Controller) publishTranscript(snap []transcript.Entry) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.transcripts {
		sendLatest(ch, slices.Clone(snap))
	}
}

// sendLatest delivers v without blocking, discarding the oldest buffered
// value when ch is full. Callers hold subMu, so they are the only sender.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
