package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a contiguous block of normalised audio samples flowing through
// the engine. Frames are produced by the capture pump (microphone blocks) and
// by the inbound decode step (model speech), and consumed exactly once by the
// network sender or the playback scheduler.
//
// A frame must be treated as immutable once created: producers hand it off and
// never touch Samples again.
type AudioFrame struct {
	// Samples holds interleaved samples normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for microphone input, 24000 for model output).
	SampleRate int

	// Channels is the number of interleaved channels. The engine runs mono.
	Channels int

	// Seq is the logical sequence number assigned by the producer.
	Seq uint64
}

// SampleCount returns the number of samples per channel in the frame.
func (f AudioFrame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Samples) / ch
}

// Duration returns the playback length of the frame at its sample rate.
// A frame with a non-positive sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.SampleCount(), f.SampleRate)
}

// SamplesDuration converts a per-channel sample count at rate Hz into a
// duration. Integer arithmetic keeps durations of whole-millisecond blocks
// exact (12000 samples at 24 kHz is exactly 500ms).
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// EncodedFrame is an [AudioFrame] after wire encoding, ready for transmission
// to the remote endpoint.
type EncodedFrame struct {
	// Wire is the base64 text of the little-endian PCM16 payload.
	Wire []byte

	// SampleRate of the encoded PCM in Hz.
	SampleRate int

	// Seq is copied from the source frame.
	Seq uint64
}

// MIMEType returns the wire MIME type for the frame, e.g. "audio/pcm;rate=16000".
func (f EncodedFrame) MIMEType() string {
	return PCMMIMEType(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports an error if the format cannot describe a PCM stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}
