// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that the test can set to control
// return values.
//
// The output mock owns a manual clock: device time only moves when the test
// calls [OutputDevice.Advance] or [OutputDevice.SetNow], which makes playback
// scheduling fully deterministic.
//
// Typical usage:
//
//	mic := mock.NewCaptureDevice()
//	spk := mock.NewOutputDevice()
//	out, _ := spk.Acquire(audio.Format{SampleRate: 24000, Channels: 1})
//	h, _ := out.ScheduleBuffer(samples, 0, func() { ... })
//	spk.Advance(500 * time.Millisecond) // completes buffers that ended
package mock

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Block is one scripted result for [audio.CaptureStream.ReadBlock]: either a
// block of samples or a read error.
type Block struct {
	Samples []float32
	Err     error
}

// CaptureDevice is a mock microphone. Tests push blocks onto Blocks; each
// ReadBlock call consumes one.
type CaptureDevice struct {
	// Blocks feeds ReadBlock. It is created by [NewCaptureDevice].
	Blocks chan Block

	mu sync.Mutex

	// AcquireErr, when non-nil, is returned by Acquire.
	AcquireErr error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountClose records how many times an acquired stream was closed
	// (idempotent repeats are not counted).
	CallCountClose int

	inUse bool
}

// NewCaptureDevice returns a CaptureDevice whose Blocks channel has room for
// 64 scripted reads.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{Blocks: make(chan Block, 64)}
}

// Acquire implements [audio.CaptureDevice].
func (d *CaptureDevice) Acquire(format audio.Format, blockSize int) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	if d.inUse {
		return nil, fmt.Errorf("mock capture: %w", audio.ErrDeviceBusy)
	}
	d.inUse = true
	return &captureStream{dev: d, format: format, blockSize: blockSize, done: make(chan struct{})}, nil
}

// InUse reports whether a stream is currently acquired.
func (d *CaptureDevice) InUse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

// Closes returns the number of streams closed so far.
func (d *CaptureDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

type captureStream struct {
	dev       *CaptureDevice
	format    audio.Format
	blockSize int
	done      chan struct{}
	closeOnce sync.Once
}

func (s *captureStream) ReadBlock(dst []float32) (int, error) {
	select {
	case <-s.done:
		return 0, fmt.Errorf("mock capture: stream closed: %w", audio.ErrDeviceLost)
	case b := <-s.dev.Blocks:
		if b.Err != nil {
			return 0, b.Err
		}
		return copy(dst, b.Samples), nil
	}
}

func (s *captureStream) Format() audio.Format { return s.format }

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.dev.mu.Lock()
		s.dev.inUse = false
		s.dev.CallCountClose++
		s.dev.mu.Unlock()
	})
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Scheduled records one ScheduleBuffer call.
type Scheduled struct {
	Samples  []float32
	StartAt  time.Duration
	Duration time.Duration
}

// OutputDevice is a mock speaker with a manual clock.
type OutputDevice struct {
	mu sync.Mutex

	// AcquireErr, when non-nil, is returned by Acquire.
	AcquireErr error

	// ScheduleErr, when non-nil, is returned by every ScheduleBuffer call.
	// Set it to an error wrapping [audio.ErrDeviceLost] to simulate an
	// unplugged speaker.
	ScheduleErr error

	// CallCountStopAll records how many times StopAll was called.
	CallCountStopAll int

	now     time.Duration
	inUse   bool
	format  audio.Format
	calls   []Scheduled
	pending []*buffer
	stopped int
	closes  int
}

// NewOutputDevice returns an OutputDevice whose clock starts at zero.
func NewOutputDevice() *OutputDevice {
	return &OutputDevice{}
}

// Acquire implements [audio.OutputDevice].
func (d *OutputDevice) Acquire(format audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	if d.inUse {
		return nil, fmt.Errorf("mock output: %w", audio.ErrDeviceBusy)
	}
	d.inUse = true
	d.format = format
	return &outputStream{dev: d}, nil
}

// Now returns the current device time.
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t without completing any buffers. Use it to model
// wall-clock time passing between scheduler calls.
func (d *OutputDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	d.now = t
	d.mu.Unlock()
}

// Advance moves the clock forward by dt and invokes the completion callback of
// every pending buffer whose end time has been reached, in start-time order.
// Callbacks run on the caller's goroutine with no mock lock held.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	d.now += dt
	now := d.now
	var finished []*buffer
	remaining := d.pending[:0]
	for _, b := range d.pending {
		if b.start+b.dur <= now {
			finished = append(finished, b)
		} else {
			remaining = append(remaining, b)
		}
	}
	d.pending = remaining
	d.mu.Unlock()

	slices.SortFunc(finished, func(a, b *buffer) int { return cmp.Compare(a.start, b.start) })
	for _, b := range finished {
		if b.onComplete != nil {
			b.onComplete()
		}
	}
}

// Calls returns a copy of every ScheduleBuffer call recorded so far.
func (d *OutputDevice) Calls() []Scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// Pending returns the number of buffers that are neither finished nor stopped.
func (d *OutputDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stopped returns how many buffers were stopped before finishing.
func (d *OutputDevice) Stopped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// InUse reports whether a stream is currently acquired.
func (d *OutputDevice) InUse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

// Closes returns the number of streams closed so far.
func (d *OutputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// stopLocked removes b from the pending set. Must be called with d.mu held.
func (d *OutputDevice) stopLocked(b *buffer) {
	for i, p := range d.pending {
		if p == b {
			d.pending = slices.Delete(d.pending, i, i+1)
			d.stopped++
			return
		}
	}
}

type outputStream struct {
	dev       *OutputDevice
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *outputStream) Now() time.Duration { return s.dev.Now() }

func (s *outputStream) Format() audio.Format {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.dev.format
}

func (s *outputStream) ScheduleBuffer(samples []float32, startAt time.Duration, onComplete func()) (audio.BufferHandle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mock output: stream closed: %w", audio.ErrDeviceLost)
	}

	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	ch := d.format.Channels
	if ch <= 0 {
		ch = 1
	}
	b := &buffer{
		dev:        d,
		start:      startAt,
		dur:        audio.SamplesDuration(len(samples)/ch, d.format.SampleRate),
		onComplete: onComplete,
	}
	d.calls = append(d.calls, Scheduled{Samples: samples, StartAt: startAt, Duration: b.dur})
	d.pending = append(d.pending, b)
	return b, nil
}

func (s *outputStream) StopAll() {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStopAll++
	d.stopped += len(d.pending)
	d.pending = nil
}

func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		d := s.dev
		d.mu.Lock()
		d.stopped += len(d.pending)
		d.pending = nil
		d.inUse = false
		d.closes++
		d.mu.Unlock()
	})
	return nil
}

type buffer struct {
	dev        *OutputDevice
	start      time.Duration
	dur        time.Duration
	onComplete func()
}

func (b *buffer) Stop() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	b.dev.stopLocked(b)
}
