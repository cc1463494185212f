// Package s2s defines the Provider interface for remote speech-to-speech
// endpoints.
//
// An S2S provider wraps a real-time conversational voice service that accepts a
// continuous stream of microphone audio and answers with synthesised speech,
// transcript fragments and control signals over one long-lived, full-duplex
// connection. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Conn]: outbound audio is pushed with
// [Conn.Send]; everything the remote produces arrives on a single ordered
// [Conn.Events] channel, so consumers handle audio, transcripts and
// interruptions from one dispatch point in arrival order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Transport errors. Implementations wrap these so callers can classify
// failures with [errors.Is].
var (
	// ErrHandshakeFailed is returned by [Provider.Connect] when the connection
	// cannot be established or the remote does not acknowledge the session
	// setup in time.
	ErrHandshakeFailed = errors.New("s2s: handshake failed")

	// ErrDisconnected is reported by [Conn.Err] when the connection broke
	// without a normal close.
	ErrDisconnected = errors.New("s2s: disconnected")

	// ErrSendFailed is returned by [Conn.Send] when a frame could not be
	// written, including after the connection was closed.
	ErrSendFailed = errors.New("s2s: send failed")
)

// DefaultHandshakeTimeout bounds Connect when [SessionConfig.HandshakeTimeout]
// is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// Speaker identifies who produced a transcript fragment.
type Speaker string

const (
	// SpeakerLocal is the person at the microphone.
	SpeakerLocal Speaker = "local"

	// SpeakerRemote is the remote model.
	SpeakerRemote Speaker = "remote"
)

// EventKind enumerates the inbound event types.
type EventKind int

const (
	// EventAudio carries a chunk of synthesised speech.
	EventAudio EventKind = iota + 1

	// EventTranscript carries a transcript delta for one speaker.
	EventTranscript

	// EventInterrupted signals barge-in: the remote has stopped its current
	// response and any audio already scheduled must be cancelled.
	EventInterrupted

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventError carries a non-fatal error reported by the remote.
	EventError
)

// String returns the lower-case event name used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one inbound message from the remote endpoint.
type Event struct {
	Kind EventKind

	// Wire is the still-encoded audio payload (base64 PCM16) of an
	// [EventAudio]. Decoding is left to the consumer so that malformed frames
	// can be dropped there without affecting the transport.
	Wire []byte

	// MIMEType of the audio payload, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Speaker and Text are set for [EventTranscript].
	Speaker Speaker
	Text    string

	// Err is set for [EventError].
	Err error

	// Received is the local time the event was read off the wire.
	Received time.Time
}

// SessionConfig is negotiated when a connection is opened.
type SessionConfig struct {
	// InputSampleRate is the rate of the PCM16 audio sent with [Conn.Send].
	InputSampleRate int

	// OutputSampleRate is the rate the caller plays back at. Providers whose
	// output rate is fixed report their own rate in [Event.MIMEType].
	OutputSampleRate int

	// Instructions is the system prompt for the remote model.
	Instructions string

	// Voice selects a provider-specific prebuilt voice. Empty uses the
	// provider default.
	Voice string

	// HandshakeTimeout bounds Connect. Zero means [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration
}

// Conn is an open full-duplex connection. It is an interface so that test code
// can supply scripted implementations without a live endpoint.
type Conn interface {
	// Send transmits one encoded microphone frame. It fails with an error
	// wrapping [ErrSendFailed].
	Send(ctx context.Context, frame audio.EncodedFrame) error

	// Events returns the inbound event channel. Events are delivered in
	// arrival order. The channel is closed when the connection ends; call Err
	// afterwards to learn why.
	Events() <-chan Event

	// Err returns nil if the connection ended cleanly (local Close or a normal
	// closure by the remote) and an error wrapping [ErrDisconnected]
	// otherwise. Only meaningful after Events is closed.
	Err() error

	// Close terminates the connection without waiting for in-flight I/O; the
	// Events channel is closed shortly after. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Name returns the registry name of the provider, e.g. "gemini-live".
	Name() string

	// Connect dials the endpoint, sends the session setup and waits for the
	// remote to acknowledge it. Failures wrap [ErrHandshakeFailed]. The caller
	// owns the returned Conn and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// HandshakeTimeoutOrDefault returns cfg.HandshakeTimeout or the default.
func (cfg SessionConfig) HandshakeTimeoutOrDefault() time.Duration {
	if cfg.HandshakeTimeout > 0 {
		return cfg.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}
