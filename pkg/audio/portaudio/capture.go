//go:build !noportaudio

package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

var _ audio.CaptureDevice = (*Capture)(nil)

// held is set while a stream is open. PortAudio is initialised per stream and
// the default input is shared by every Capture value in the process.
var held atomic.Bool

func claim() error {
	if !held.CompareAndSwap(false, true) {
		return fmt.Errorf("portaudio: %w", audio.ErrDeviceBusy)
	}
	return nil
}

func release() { held.Store(false) }

// Capture is the default PortAudio input device. At most one capture stream
// is open per process.
type Capture struct {
	log *slog.Logger
}

// NewCapture returns a Capture for the system default input device.
func NewCapture() *Capture {
	return &Capture{log: slog.Default()}
}

// Acquire implements [audio.CaptureDevice]. It initialises PortAudio, opens a
// blocking float32 input stream and starts it.
func (c *Capture) Acquire(format audio.Format, blockSize int) (audio.CaptureStream, error) {
	if err := claim(); err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		release()
		return nil, classify("initialize", err)
	}

	buf := make([]float32, blockSize*format.Channels)
	st, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), blockSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		release()
		return nil, classify("open default input stream", err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = portaudio.Terminate()
		release()
		return nil, classify("start stream", err)
	}

	c.log.Info("portaudio: capture started", "format", format.String(), "block_size", blockSize)
	return newCaptureStream(st, buf, format, portaudio.Terminate), nil
}

// inputStream is the part of *portaudio.Stream a capture stream drives.
type inputStream interface {
	Read() error
	Abort() error
	Close() error
}

type captureStream struct {
	format    audio.Format
	terminate func() error

	// mu serialises Read against Close; the PortAudio stream must not be
	// closed while a blocking read is in progress.
	mu     sync.Mutex
	stream inputStream
	buf    []float32

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newCaptureStream(st inputStream, buf []float32, format audio.Format, terminate func() error) *captureStream {
	return &captureStream{stream: st, buf: buf, format: format, terminate: terminate}
}

func (s *captureStream) ReadBlock(dst []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return 0, fmt.Errorf("portaudio: stream closed: %w", audio.ErrDeviceLost)
	}
	if err := s.stream.Read(); err != nil {
		if s.closing.Load() {
			// Aborted by Close.
			return 0, fmt.Errorf("portaudio: stream closed: %w", audio.ErrDeviceLost)
		}
		if errors.Is(err, portaudio.InputOverflowed) {
			// Samples are still delivered; report the glitch as transient.
			return copy(dst, s.buf), nil
		}
		if errors.Is(err, portaudio.DeviceUnavailable) {
			return 0, fmt.Errorf("portaudio: read: %w", audio.ErrDeviceLost)
		}
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	return copy(dst, s.buf), nil
}

func (s *captureStream) Format() audio.Format { return s.format }

// Close aborts the stream first so a ReadBlock blocked on the device returns
// and releases mu.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		abortErr := s.stream.Abort()

		s.mu.Lock()
		defer s.mu.Unlock()

		s.closeErr = errors.Join(abortErr, s.stream.Close(), s.terminate())
		release()
	})
	return s.closeErr
}

// classify maps PortAudio errors onto the device error taxonomy.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("portaudio: %s: %v: %w", op, err, audio.ErrPermissionDenied)
	default:
		return fmt.Errorf("portaudio: %s: %v: %w", op, err, audio.ErrDeviceUnavailable)
	}
}
