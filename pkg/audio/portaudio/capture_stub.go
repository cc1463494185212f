//go:build noportaudio

package portaudio

import (
	"fmt"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

var _ audio.CaptureDevice = (*Capture)(nil)

// Capture is a placeholder used when PortAudio support is compiled out.
type Capture struct{}

// NewCapture returns the placeholder capture device.
func NewCapture() *Capture { return &Capture{} }

// Acquire always fails with [audio.ErrDeviceUnavailable].
func (c *Capture) Acquire(audio.Format, int) (audio.CaptureStream, error) {
	return nil, fmt.Errorf("portaudio: support not compiled in (built with -tags noportaudio): %w",
		audio.ErrDeviceUnavailable)
}
