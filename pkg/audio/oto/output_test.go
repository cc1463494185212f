package oto

import (
	"errors"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

func TestClassify(t *testing.T) {
	if err := classify("open", errors.New("alsa: permission denied")); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if err := classify("open", errors.New("no such device")); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestAcquire_RejectsInvalidFormat(t *testing.T) {
	if _, err := NewOutput().Acquire(audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestClaim_IsProcessWide(t *testing.T) {
	if err := claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer release()

	// A second Output value shares the one speaker.
	if _, err := NewOutput().Acquire(audio.Format{SampleRate: 24000, Channels: 1}); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("Acquire while held = %v, want ErrDeviceBusy", err)
	}
	if err := claim(); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("second claim = %v, want ErrDeviceBusy", err)
	}

	release()
	if err := claim(); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}
