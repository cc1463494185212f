package stream

import "errors"

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateIdle is the initial state; nothing is acquired.
	StateIdle State = iota

	// StateConnecting means devices are being acquired and the remote
	// handshake is in progress.
	StateConnecting

	// StateOpen means audio flows in both directions.
	StateOpen

	// StateClosing means teardown has started.
	StateClosing

	// StateClosed is terminal. Every path through the state machine ends here.
	StateClosed

	// StateFailed means an unrecoverable error occurred. Cleanup follows and
	// the session moves on to StateClosed.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is StateClosed.
func (s State) Terminal() bool { return s == StateClosed }

var (
	// ErrNotOpen is returned by [Session.SendFrame] when the session is not in
	// StateOpen. The frame is dropped.
	ErrNotOpen = errors.New("stream: session not open")

	// ErrQueueFull is returned by [Session.SendFrame] when the outbound queue
	// has no room. The frame is dropped.
	ErrQueueFull = errors.New("stream: send queue full")

	// ErrAlreadyOpened is returned by [Session.Open] on any session that has
	// left StateIdle. Sessions are single-use.
	ErrAlreadyOpened = errors.New("stream: session already opened")

	// ErrClosed is returned by [Session.Open] when Close was called while the
	// session was still connecting.
	ErrClosed = errors.New("stream: session closed")

	// errRemoteClosed ends the inbound dispatcher when the remote side closed
	// the connection normally.
	errRemoteClosed = errors.New("stream: remote closed the connection")
)
