package audio

import "errors"

// Device errors. Device adapters wrap these with context so callers can match
// them with [errors.Is].
var (
	// ErrPermissionDenied is returned when the operating system refuses access
	// to the microphone or speaker.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceUnavailable is returned when no suitable device exists or the
	// driver failed to open it.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceBusy is returned when the device is already held by another
	// session. A physical device is exclusively owned for a session's lifetime.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrDeviceLost is returned once an acquired device disappears or stops
	// working (e.g., unplugged headset).
	ErrDeviceLost = errors.New("audio: device lost")
)

// ErrMalformed is returned by [Decode] and [DecodePCM16] when a payload cannot
// be interpreted as PCM16 (bad base64 or an odd byte count).
var ErrMalformed = errors.New("audio: malformed pcm16 payload")
