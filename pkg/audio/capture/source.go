// Package capture pumps microphone blocks through the PCM16 wire codec into a
// [Sink], typically a streaming session.
//
// A [Source] owns one acquired [audio.CaptureStream]. [Source.Run] reads
// fixed-size blocks until its context is cancelled or the device is lost,
// encodes each block and hands it to the sink. Frames the sink refuses (session
// not open, send queue full) are dropped and counted; capture never blocks on
// the network.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// DefaultMaxReadErrors is the number of consecutive failed reads after which
// the device is treated as lost.
const DefaultMaxReadErrors = 50

// ErrClosed is returned by [Source.Run] when the source was closed before or
// during the run.
var ErrClosed = errors.New("capture: source closed")

// Sink receives encoded microphone frames. SendFrame must not block; a non-nil
// error means the frame was dropped.
type Sink interface {
	SendFrame(frame audio.EncodedFrame) error
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(frame audio.EncodedFrame) error

// SendFrame implements [Sink].
func (f SinkFunc) SendFrame(frame audio.EncodedFrame) error { return f(frame) }

// Stats is a point-in-time snapshot of capture counters.
type Stats struct {
	// Sent counts frames accepted by the sink.
	Sent int64

	// Dropped counts frames the sink refused.
	Dropped int64

	// ReadErrors counts failed device reads (including transient ones).
	ReadErrors int64
}

// Option configures a [Source].
type Option func(*Source)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxReadErrors overrides [DefaultMaxReadErrors].
func WithMaxReadErrors(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxReadErrors = n
		}
	}
}

// WithDropHook registers fn to be called for every frame the sink refuses,
// with the error it returned. fn runs on the capture goroutine.
func WithDropHook(fn func(frame audio.EncodedFrame, err error)) Option {
	return func(s *Source) { s.onDrop = fn }
}

// Source is an acquired microphone producing encoded frames.
type Source struct {
	stream        audio.CaptureStream
	format        audio.Format
	blockSize     int
	log           *slog.Logger
	maxReadErrors int
	onDrop        func(audio.EncodedFrame, error)

	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	sent       atomic.Int64
	dropped    atomic.Int64
	readErrors atomic.Int64
}

// Open acquires dev at format with blockSize samples per channel per block.
// Device errors ([audio.ErrPermissionDenied], [audio.ErrDeviceUnavailable],
// [audio.ErrDeviceBusy]) are returned wrapped.
func Open(dev audio.CaptureDevice, format audio.Format, blockSize int, opts ...Option) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("capture: block size must be positive, got %d", blockSize)
	}

	stream, err := dev.Acquire(format, blockSize)
	if err != nil {
		return nil, fmt.Errorf("capture: acquire device: %w", err)
	}

	s := &Source{
		stream:        stream,
		format:        format,
		blockSize:     blockSize,
		log:           slog.Default(),
		maxReadErrors: DefaultMaxReadErrors,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format returns the capture format.
func (s *Source) Format() audio.Format { return s.format }

// BlockSize returns the number of samples per channel in each block.
func (s *Source) BlockSize() int { return s.blockSize }

// Run reads blocks until ctx is cancelled, the source is closed, or the device
// is lost. Each block is encoded and passed to sink with a monotonically
// increasing sequence number starting at zero.
//
// Run returns nil when ctx is cancelled, [ErrClosed] when the source was
// closed, and an error wrapping [audio.ErrDeviceLost] when the device died or
// produced too many consecutive read errors. Run may only be called once at a
// time.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("capture: source already running")
	}
	defer s.running.Store(false)

	if s.closed.Load() {
		return ErrClosed
	}

	// A blocked ReadBlock only returns once the stream is closed.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	buf := make([]float32, s.blockSize*s.format.Channels)
	var seq uint64
	consecutive := 0

	for {
		n, err := s.stream.ReadBlock(buf)
		if ctx.Err() != nil {
			return nil
		}
		if s.closed.Load() {
			return ErrClosed
		}
		if err != nil {
			s.readErrors.Add(1)
			if errors.Is(err, audio.ErrDeviceLost) {
				s.log.Error("capture: device lost", "err", err)
				return fmt.Errorf("capture: read block: %w", err)
			}
			consecutive++
			s.log.Warn("capture: read failed", "err", err, "consecutive", consecutive)
			if consecutive >= s.maxReadErrors {
				return fmt.Errorf("capture: %d consecutive read errors, last: %v: %w",
					consecutive, err, audio.ErrDeviceLost)
			}
			continue
		}
		consecutive = 0
		if n == 0 {
			continue
		}

		frame := audio.EncodedFrame{
			Wire:       audio.Encode(buf[:n]),
			SampleRate: s.format.SampleRate,
			Seq:        seq,
		}
		seq++

		if err := sink.SendFrame(frame); err != nil {
			s.dropped.Add(1)
			s.log.Debug("capture: frame dropped", "seq", frame.Seq, "err", err)
			if s.onDrop != nil {
				s.onDrop(frame, err)
			}
			continue
		}
		s.sent.Add(1)
	}
}

// Stats returns a snapshot of the capture counters.
func (s *Source) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Dropped:    s.dropped.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}

// Close stops capture and releases the device. A pending [Source.Run] returns
// promptly. Close is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
