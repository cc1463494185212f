//go:build !noportaudio

package portaudio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", errors.New("Permission denied by host"), audio.ErrPermissionDenied},
		{"not permitted", errors.New("operation not permitted"), audio.ErrPermissionDenied},
		{"no device", errors.New("Invalid device"), audio.ErrDeviceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify("open", tc.err); !errors.Is(got, tc.want) {
				t.Errorf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// blockingStream blocks Read until Abort, like a device that stopped
// delivering frames.
type blockingStream struct {
	aborted   chan struct{}
	abortOnce sync.Once
	closed    bool
}

func newBlockingStream() *blockingStream {
	return &blockingStream{aborted: make(chan struct{})}
}

func (b *blockingStream) Read() error {
	<-b.aborted
	return errors.New("stream aborted")
}

func (b *blockingStream) Abort() error {
	b.abortOnce.Do(func() { close(b.aborted) })
	return nil
}

func (b *blockingStream) Close() error {
	b.closed = true
	return nil
}

func TestCaptureStream_CloseUnblocksRead(t *testing.T) {
	st := newBlockingStream()
	terminated := false
	cs := newCaptureStream(st, make([]float32, 4), audio.Format{SampleRate: 16000, Channels: 1}, func() error {
		terminated = true
		return nil
	})
	if err := claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := cs.ReadBlock(make([]float32, 4))
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the reader block

	closed := make(chan error, 1)
	go func() { closed <- cs.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a pending read")
	}
	select {
	case err := <-readErr:
		if !errors.Is(err, audio.ErrDeviceLost) {
			t.Errorf("ReadBlock = %v, want ErrDeviceLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadBlock did not return after Close")
	}
	if !st.closed || !terminated {
		t.Errorf("closed = %v, terminated = %v; want both", st.closed, terminated)
	}
	if err := claim(); err != nil {
		t.Errorf("device still held after Close: %v", err)
	}
	release()
}

func TestClaim_IsProcessWide(t *testing.T) {
	if err := claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer release()

	if _, err := NewCapture().Acquire(audio.Format{SampleRate: 16000, Channels: 1}, 256); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("Acquire while held = %v, want ErrDeviceBusy", err)
	}
}
