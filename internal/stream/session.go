// Package stream implements the full-duplex voice session: microphone blocks
// flow out to a speech-to-speech endpoint while the endpoint's audio, transcript
// and interruption events flow back in and are played gaplessly.
//
// A [Session] is single-use and moves through an explicit state machine:
//
//	Idle → Connecting → Open → Closing → Closed
//	                      └──→ Failed ──→ Closed
//
// While Open, three goroutines run under one errgroup: the capture pump
// (microphone → [Session.SendFrame]), the outbound writer (send queue → wire)
// and the inbound dispatcher (wire events → playback and transcript). The
// dispatcher is the only goroutine that touches the playback scheduler and the
// transcript aggregator, so inbound events are handled in arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/transcript"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/capture"
	"github.com/MrWong99/duplexvoice/pkg/audio/playback"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Defaults applied by [Config] when a field is zero.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultBlockSize        = 4096
	DefaultSendQueue        = 32
)

// Config holds the per-session parameters negotiated at open time.
type Config struct {
	// InputSampleRate is the microphone and outbound wire rate in Hz.
	InputSampleRate int

	// OutputSampleRate is the playback rate in Hz. Inbound audio at another
	// rate is resampled.
	OutputSampleRate int

	// BlockSize is the number of microphone samples per outbound frame.
	BlockSize int

	// SendQueue is the capacity of the outbound frame queue.
	SendQueue int

	// Instructions and Voice are passed to the remote endpoint.
	Instructions string
	Voice        string

	// HandshakeTimeout bounds the remote handshake. Zero uses the provider
	// default.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	return c
}

// Stats is a point-in-time snapshot of the session counters.
type Stats struct {
	FramesSent        int64 `json:"frames_sent"`
	FramesDropped     int64 `json:"frames_dropped"`
	CaptureReadErrors int64 `json:"capture_read_errors"`
	BuffersScheduled  int64 `json:"buffers_scheduled"`
	BuffersCancelled  int64 `json:"buffers_cancelled"`
	InFlight          int   `json:"in_flight"`
	Interruptions     int64 `json:"interruptions"`
	CodecErrors       int64 `json:"codec_errors"`
	RemoteErrors      int64 `json:"remote_errors"`
	Transcripts       int64 `json:"transcripts"`
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.baseLog = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTranscripts sets the aggregator that receives transcript deltas. When
// unset the session creates its own with the default retention.
func WithTranscripts(a *transcript.Aggregator) Option {
	return func(s *Session) {
		if a != nil {
			s.transcripts = a
		}
	}
}

// WithStateHook registers fn to be called on every state transition, in
// order. err is non-nil only for StateFailed. fn must not call back into the
// session's Open or Close.
func WithStateHook(fn func(state State, err error)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithMaxReadErrors sets the number of consecutive capture read failures that
// count as device loss. Defaults to [capture.DefaultMaxReadErrors].
func WithMaxReadErrors(n int) Option {
	return func(s *Session) { s.maxReadErrors = n }
}

// Session is one full-duplex voice session. All exported methods are safe for
// concurrent use.
type Session struct {
	id       string
	cfg      Config
	provider s2s.Provider
	mic      audio.CaptureDevice
	speaker  audio.OutputDevice

	baseLog       *slog.Logger
	logp          atomic.Pointer[slog.Logger]
	metrics       *observe.Metrics
	transcripts   *transcript.Aggregator
	onState       func(State, error)
	maxReadErrors int

	// transMu serialises transitions together with their hook calls so
	// observers see states in the order they were entered.
	transMu sync.Mutex

	mu         sync.Mutex
	state      State
	err        error
	openCancel context.CancelFunc
	runCancel  context.CancelFunc
	source     *capture.Source
	out        audio.OutputStream
	sched      *playback.Scheduler
	conn       s2s.Conn
	queue      chan audio.EncodedFrame
	wasOpen    bool
	closeErr   error

	// closers release what Open acquired; they run in reverse order.
	closers []func() error

	done chan struct{}

	conv  audio.FormatConverter
	inSeq uint64

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	interruptions atomic.Int64
	codecErrors   atomic.Int64
	remoteErrors  atomic.Int64
	transcriptN   atomic.Int64
}

// New creates an idle session. provider, mic and speaker are required.
func New(provider s2s.Provider, mic audio.CaptureDevice, speaker audio.OutputDevice, cfg Config, opts ...Option) (*Session, error) {
	var errs []error
	if provider == nil {
		errs = append(errs, errors.New("stream: provider is required"))
	}
	if mic == nil {
		errs = append(errs, errors.New("stream: capture device is required"))
	}
	if speaker == nil {
		errs = append(errs, errors.New("stream: output device is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		provider: provider,
		mic:      mic,
		speaker:  speaker,
		baseLog:  slog.Default(),
		done:     make(chan struct{}),
		conv:     audio.FormatConverter{Target: audio.Format{SampleRate: cfg.OutputSampleRate, Channels: 1}},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.transcripts == nil {
		s.transcripts = transcript.New()
	}
	s.logp.Store(s.baseLog.With("session_id", s.id, "provider", provider.Name()))
	return s, nil
}

func (s *Session) logger() *slog.Logger { return s.logp.Load() }

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// Transcripts returns the session's transcript aggregator.
func (s *Session) Transcripts() *transcript.Aggregator { return s.transcripts }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open acquires the microphone and speaker, performs the remote handshake and
// starts streaming. Device failures wrap [audio.ErrPermissionDenied],
// [audio.ErrDeviceUnavailable] or [audio.ErrDeviceBusy]; handshake failures
// wrap [s2s.ErrHandshakeFailed]. On failure the session reports StateFailed,
// releases everything it acquired and ends in StateClosed.
//
// ctx bounds only the opening phase; the open session lives until Close or
// an unrecoverable error.
func (s *Session) Open(ctx context.Context) (err error) {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return fmt.Errorf("stream: open: %w", ErrClosed)
		}
		return ErrAlreadyOpened
	}
	s.openCancel = cancel
	s.mu.Unlock()

	if !s.transition(StateConnecting, nil, StateIdle) {
		if s.State() == StateClosed {
			return fmt.Errorf("stream: open: %w", ErrClosed)
		}
		return ErrAlreadyOpened
	}

	openCtx, span := observe.StartSessionSpan(openCtx, "stream.open", s.id, s.provider.Name())
	log := observe.SessionLogger(openCtx, s.baseLog.With("provider", s.provider.Name()), s.id)
	s.logp.Store(log)
	start := time.Now()

	defer func() {
		if err != nil {
			s.abortOpen(err)
		}
		observe.EndSpan(span, err)
	}()

	src, err := capture.Open(s.mic, audio.Format{SampleRate: s.cfg.InputSampleRate, Channels: 1}, s.cfg.BlockSize,
		capture.WithLogger(log),
		capture.WithMaxReadErrors(s.maxReadErrors),
	)
	if err != nil {
		return fmt.Errorf("stream: open: %w", err)
	}
	s.addCloser(src.Close)

	out, err := s.speaker.Acquire(audio.Format{SampleRate: s.cfg.OutputSampleRate, Channels: 1})
	if err != nil {
		return fmt.Errorf("stream: open: acquire output device: %w", err)
	}
	s.addCloser(out.Close)

	sched := playback.New(out, playback.WithLogger(log))
	s.addCloser(func() error {
		if n := sched.CancelAll(); n > 0 {
			s.metrics.BuffersCancelled.Add(context.Background(), int64(n))
		}
		return sched.Close()
	})

	conn, err := s.provider.Connect(openCtx, s2s.SessionConfig{
		InputSampleRate:  s.cfg.InputSampleRate,
		OutputSampleRate: s.cfg.OutputSampleRate,
		Instructions:     s.cfg.Instructions,
		Voice:            s.cfg.Voice,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("stream: open: %w", err)
	}
	s.addCloser(conn.Close)

	// The session outlives the caller's ctx but keeps its trace values.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(openCtx))

	s.mu.Lock()
	s.source = src
	s.out = out
	s.sched = sched
	s.conn = conn
	s.queue = make(chan audio.EncodedFrame, s.cfg.SendQueue)
	s.runCancel = runCancel
	s.mu.Unlock()

	if !s.transition(StateOpen, nil, StateConnecting) {
		runCancel()
		return fmt.Errorf("stream: open: %w", ErrClosed)
	}
	s.mu.Lock()
	s.wasOpen = true
	s.mu.Unlock()

	elapsed := time.Since(start)
	s.metrics.RecordOpen(runCtx, elapsed)
	log.Info("stream: session open",
		"input_rate", s.cfg.InputSampleRate,
		"output_rate", s.cfg.OutputSampleRate,
		"block_size", s.cfg.BlockSize,
		"elapsed", elapsed,
	)

	s.run(runCtx, src, sched, conn)
	return nil
}

// abortOpen finishes a failed or cancelled Open.
func (s *Session) abortOpen(cause error) {
	if s.transition(StateFailed, cause, StateConnecting) {
		s.metrics.RecordSessionFailure(context.Background(), failureReason(cause))
		s.logger().Error("stream: open failed", "err", cause)
	}
	s.finish()
}

func (s *Session) addCloser(fn func() error) {
	s.mu.Lock()
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// ─── Run ──────────────────────────────────────────────────────────────────────

// run starts the capture pump, outbound writer and inbound dispatcher, plus a
// supervisor that tears the session down when they stop.
func (s *Session) run(ctx context.Context, src *capture.Source, sched *playback.Scheduler, conn s2s.Conn) {
	g, gctx := errgroup.WithContext(ctx)

	// The dispatcher only returns once the events channel is closed, so a
	// failing capture pump or writer must close the connection.
	stopConn := context.AfterFunc(gctx, func() { _ = conn.Close() })

	g.Go(func() error {
		err := src.Run(gctx, s)
		if err == nil || errors.Is(err, capture.ErrClosed) {
			return nil
		}
		return fmt.Errorf("stream: capture: %w", err)
	})

	g.Go(func() error { return s.writeLoop(gctx, conn) })

	g.Go(func() error { return s.dispatchLoop(gctx, sched, conn) })

	go func() {
		err := g.Wait()
		stopConn()
		switch {
		case err == nil:
		case errors.Is(err, errRemoteClosed):
			if s.transition(StateClosing, nil, StateOpen) {
				s.logger().Info("stream: remote closed the session")
			}
		default:
			if s.transition(StateFailed, err, StateOpen) {
				s.metrics.RecordSessionFailure(context.Background(), failureReason(err))
				s.logger().Error("stream: session failed", "err", err)
			}
		}
		s.finish()
	}()
}

// SendFrame queues a microphone frame for transmission. It never blocks: when
// the session is not open it returns [ErrNotOpen], and when the queue is full
// it returns [ErrQueueFull]. In both cases the frame is dropped and counted.
func (s *Session) SendFrame(frame audio.EncodedFrame) error {
	s.mu.Lock()
	st, q := s.state, s.queue
	s.mu.Unlock()

	if st != StateOpen {
		s.dropFrame(observe.ReasonNotOpen)
		return ErrNotOpen
	}
	select {
	case q <- frame:
		return nil
	default:
		s.dropFrame(observe.ReasonQueueFull)
		return ErrQueueFull
	}
}

func (s *Session) dropFrame(reason string) {
	s.framesDropped.Add(1)
	s.metrics.RecordFrameDropped(context.Background(), reason)
}

// writeLoop drains the send queue to the wire. Individual send failures drop
// the frame; a dead connection is detected by the dispatcher.
func (s *Session) writeLoop(ctx context.Context, conn s2s.Conn) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-q:
			if err := conn.Send(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.dropFrame(observe.ReasonSendFailed)
				s.logger().Warn("stream: send failed, frame dropped", "seq", frame.Seq, "err", err)
				continue
			}
			s.framesSent.Add(1)
			s.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// ─── Close ────────────────────────────────────────────────────────────────────

// Close stops the session from any state and waits until it reaches
// StateClosed. Capture stops, in-flight playback is cancelled, and the devices
// and connection are released. Close does not wait for network I/O to drain.
// It is idempotent; every call returns the same result.
func (s *Session) Close() error {
	if s.transition(StateClosed, nil, StateIdle) {
		close(s.done)
		return nil
	}
	// Re-checked atomically: Open may have left Idle in the meantime.
	if s.transition(StateClosing, nil, StateConnecting, StateOpen) {
		s.logger().Info("stream: closing session")
	}

	s.mu.Lock()
	openCancel, runCancel, conn := s.openCancel, s.runCancel, s.conn
	s.mu.Unlock()

	if openCancel != nil {
		openCancel()
	}
	if runCancel != nil {
		runCancel()
	}
	// Unblocks the dispatcher's range over the events channel.
	if conn != nil {
		_ = conn.Close()
	}

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// finish runs the closers once every goroutine has stopped and moves the
// session to StateClosed.
func (s *Session) finish() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	runCancel := s.runCancel
	wasOpen := s.wasOpen
	s.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}

	var errs []error
	for _, fn := range slices.Backward(closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if wasOpen {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	s.mu.Lock()
	s.closeErr = errors.Join(errs...)
	s.mu.Unlock()

	s.transition(StateClosed, nil, StateClosing, StateFailed)
	s.logger().Info("stream: session closed", "stats", s.Stats())
	close(s.done)
}

// transition moves to state "to" if the current state is one of from (or
// unconditionally when from is empty) and reports whether it did.
func (s *Session) transition(to State, err error, from ...State) bool {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if len(from) > 0 && !slices.Contains(from, s.state) {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = to
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.logger().Debug("stream: state change", "from", prev, "to", to)
	if s.onState != nil {
		s.onState(to, err)
	}
	return true
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
		Interruptions: s.interruptions.Load(),
		CodecErrors:   s.codecErrors.Load(),
		RemoteErrors:  s.remoteErrors.Load(),
		Transcripts:   s.transcriptN.Load(),
	}
	s.mu.Lock()
	src, sched := s.source, s.sched
	s.mu.Unlock()
	if src != nil {
		st.CaptureReadErrors = src.Stats().ReadErrors
	}
	if sched != nil {
		ps := sched.Stats()
		st.BuffersScheduled = ps.Scheduled
		st.BuffersCancelled = ps.Cancelled
		st.InFlight = sched.InFlight()
	}
	return st
}

// failureReason maps a terminal error to the session.failures reason label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, s2s.ErrHandshakeFailed):
		return observe.ReasonHandshake
	case errors.Is(err, s2s.ErrDisconnected):
		return observe.ReasonDisconnect
	case errors.Is(err, playback.ErrDeviceLost):
		return observe.ReasonDeviceLost
	case errors.Is(err, audio.ErrDeviceLost):
		return observe.ReasonCaptureLost
	default:
		return observe.ReasonDevice
	}
}
