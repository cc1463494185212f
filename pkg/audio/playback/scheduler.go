// Package playback schedules decoded audio buffers for gapless playback on an
// [audio.OutputStream] and supports atomic mass cancellation (barge-in).
//
// Buffers arrive as an unbounded sequence of independently timed frames. Each
// admitted buffer starts exactly where its predecessor ends, or at the device's
// current time if playback has drained:
//
//	start = max(baseline, now)
//	baseline = start + duration
//
// [Scheduler.CancelAll] stops every in-flight buffer and resets the baseline to
// the device's current time. Schedule and CancelAll are serialised through a
// single mutex, so a buffer can never be admitted against a baseline that
// predates a cancellation.
package playback

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

var (
	// ErrDeviceLost is returned by [Scheduler.Schedule] once the output device
	// has failed. The scheduler stays unusable afterwards.
	ErrDeviceLost = errors.New("playback: output device lost")

	// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
	ErrClosed = errors.New("playback: scheduler closed")
)

// ScheduledBuffer describes a frame admitted to the scheduler.
type ScheduledBuffer struct {
	// ID is unique per scheduler for the lifetime of the process.
	ID uint64

	// Seq is copied from the source frame.
	Seq uint64

	// Start is the absolute device time at which playback begins.
	Start time.Duration

	// Duration is the playback length of the buffer.
	Duration time.Duration
}

// End returns the device time at which the buffer finishes.
func (b ScheduledBuffer) End() time.Duration { return b.Start + b.Duration }

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	// Scheduled counts buffers submitted to the device.
	Scheduled int64

	// Completed counts buffers that finished playing naturally.
	Completed int64

	// Cancelled counts buffers stopped by CancelAll or Close.
	Cancelled int64

	// Cancellations counts CancelAll calls.
	Cancellations int64
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduling diagnostics. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCompletionHook registers fn to be called after a buffer finishes playing
// naturally and has been released. fn runs on the device's callback goroutine
// and must not block.
func WithCompletionHook(fn func(ScheduledBuffer)) Option {
	return func(s *Scheduler) { s.onComplete = fn }
}

// entry is an in-flight buffer together with the device handle used to stop it.
type entry struct {
	buf    ScheduledBuffer
	handle audio.BufferHandle
}

// Scheduler owns the playback timeline of one output stream.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out        audio.OutputStream
	log        *slog.Logger
	onComplete func(ScheduledBuffer)

	mu       sync.Mutex
	baseline time.Duration
	inflight map[uint64]entry
	nextID   uint64
	lost     bool
	closed   bool
	stats    Stats
}

// New creates a Scheduler for out. The clock baseline starts at the device's
// current time. The scheduler does not take ownership of out; the caller
// closes it after [Scheduler.Close].
func New(out audio.OutputStream, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		log:      slog.Default(),
		inflight: make(map[uint64]entry),
	}
	for _, o := range opts {
		o(s)
	}
	s.baseline = out.Now()
	return s
}

// Schedule admits frame for playback immediately after the previously
// scheduled buffer, or at the device's current time if playback has drained.
// The frame's sample rate must match the output stream.
//
// Schedule never blocks on playback. It fails with [ErrDeviceLost] once the
// device has failed and with [ErrClosed] after Close.
func (s *Scheduler) Schedule(frame audio.AudioFrame) (ScheduledBuffer, error) {
	if f := s.out.Format(); frame.SampleRate != f.SampleRate {
		return ScheduledBuffer{}, fmt.Errorf("playback: frame rate %d Hz does not match output rate %d Hz",
			frame.SampleRate, f.SampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ScheduledBuffer{}, ErrClosed
	}
	if s.lost {
		return ScheduledBuffer{}, ErrDeviceLost
	}

	start := max(s.baseline, s.out.Now())
	dur := frame.Duration()
	if dur == 0 {
		return ScheduledBuffer{Seq: frame.Seq, Start: start}, nil
	}

	s.nextID++
	buf := ScheduledBuffer{
		ID:       s.nextID,
		Seq:      frame.Seq,
		Start:    start,
		Duration: dur,
	}

	id := buf.ID
	handle, err := s.out.ScheduleBuffer(frame.Samples, start, func() { s.release(id) })
	if err != nil {
		if errors.Is(err, audio.ErrDeviceLost) {
			s.lost = true
			s.log.Error("playback: output device lost", "err", err)
			return ScheduledBuffer{}, fmt.Errorf("%w: %v", ErrDeviceLost, err)
		}
		return ScheduledBuffer{}, fmt.Errorf("playback: schedule buffer: %w", err)
	}

	s.baseline = buf.End()
	s.inflight[id] = entry{buf: buf, handle: handle}
	s.stats.Scheduled++
	return buf, nil
}

// CancelAll stops every in-flight buffer, empties the in-flight set and resets
// the baseline to the device's current time. It returns the number of buffers
// stopped. Safe to call at any time, including concurrently with Schedule.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.stopAllLocked()
	s.baseline = s.out.Now()
	s.stats.Cancellations++
	if n > 0 {
		s.log.Debug("playback: cancelled in-flight buffers", "count", n, "baseline", s.baseline)
	}
	return n
}

// Close cancels all in-flight audio and rejects further scheduling. It does
// not close the underlying output stream. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	s.out.StopAll()
	return nil
}

// InFlight returns the number of buffers scheduled but not yet finished or
// cancelled.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// InFlightBuffers returns the in-flight buffers ordered by start time.
func (s *Scheduler) InFlightBuffers() []ScheduledBuffer {
	s.mu.Lock()
	out := make([]ScheduledBuffer, 0, len(s.inflight))
	for _, e := range s.inflight {
		out = append(out, e.buf)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b ScheduledBuffer) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Baseline returns the earliest device time at which the next buffer may start.
func (s *Scheduler) Baseline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// release removes a naturally finished buffer from the in-flight set. Buffers
// already removed by CancelAll are ignored.
func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	e, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
		s.stats.Completed++
	}
	hook := s.onComplete
	s.mu.Unlock()

	if ok && hook != nil {
		hook(e.buf)
	}
}

// stopAllLocked stops and forgets every in-flight buffer. Must be called with
// s.mu held.
func (s *Scheduler) stopAllLocked() int {
	n := len(s.inflight)
	for id, e := range s.inflight {
		e.handle.Stop()
		delete(s.inflight, id)
	}
	s.stats.Cancelled += int64(n)
	return n
}
