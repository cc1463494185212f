// Package audio defines the frame types, the PCM16 wire codec, and the device
// interfaces used by the duplexvoice streaming engine.
//
// The two device abstractions mirror the two halves of a full-duplex voice
// session:
//
//   - [CaptureDevice]: the microphone. [CaptureDevice.Acquire] returns a
//     [CaptureStream] that yields fixed-size blocks of samples.
//   - [OutputDevice]: the speaker. [OutputDevice.Acquire] returns an
//     [OutputStream] that plays buffers at absolute positions on its own clock.
//
// Concrete adapters live in sub-packages (audio/portaudio, audio/oto); in-memory
// fakes for tests live in audio/mock. Each acquired stream is exclusively owned
// by one session: acquiring a device that is already held returns
// [ErrDeviceBusy].
//
// This package lives under pkg/ because device adapters for other platforms
// are expected to implement these interfaces outside the module.
package audio

import "time"

// CaptureDevice is a microphone that can be acquired for exclusive use.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Acquire opens the device for capture at format, delivering blocks of
	// blockSize samples per channel. It fails with an error wrapping
	// [ErrPermissionDenied], [ErrDeviceUnavailable] or [ErrDeviceBusy].
	//
	// The caller owns the returned stream and must Close it.
	Acquire(format Format, blockSize int) (CaptureStream, error)
}

// CaptureStream is an acquired microphone handle.
//
// ReadBlock and Close may be called from different goroutines, but ReadBlock
// itself must not be called concurrently.
type CaptureStream interface {
	// ReadBlock blocks until the next block of samples is available and copies
	// it into dst, returning the number of samples written. Transient failures
	// (e.g., input overflow) return an error and the stream remains usable; an
	// error wrapping [ErrDeviceLost] means the stream is dead.
	ReadBlock(dst []float32) (int, error)

	// Format returns the format the stream was opened with.
	Format() Format

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// OutputDevice is a speaker that can be acquired for exclusive use.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Acquire opens the device for playback at format. It fails with an error
	// wrapping [ErrPermissionDenied], [ErrDeviceUnavailable] or [ErrDeviceBusy].
	//
	// The caller owns the returned stream and must Close it.
	Acquire(format Format) (OutputStream, error)
}

// OutputStream is an acquired speaker handle with its own monotonic clock.
//
// All methods must be safe for concurrent use.
type OutputStream interface {
	// Now returns the current device time, measured from acquisition.
	Now() time.Duration

	// ScheduleBuffer submits samples for playback starting at device time
	// startAt. It must not block on playback. onComplete is invoked once the
	// buffer has finished playing naturally; it is never invoked for a buffer
	// that was stopped, and never invoked synchronously from ScheduleBuffer.
	//
	// An error wrapping [ErrDeviceLost] means the device has failed.
	ScheduleBuffer(samples []float32, startAt time.Duration, onComplete func()) (BufferHandle, error)

	// StopAll immediately silences every buffer submitted to the stream.
	StopAll()

	// Format returns the format the stream was opened with.
	Format() Format

	// Close stops playback and releases the device. Idempotent.
	Close() error
}

// BufferHandle identifies one buffer submitted via [OutputStream.ScheduleBuffer].
type BufferHandle interface {
	// Stop halts the buffer immediately (or prevents it from starting).
	// Stopping a finished buffer is a no-op.
	Stop()
}
