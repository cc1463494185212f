package oto

import (
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

const testRate = 1000 // one frame per millisecond

// render pulls n mono frames from tl and decodes them.
func render(t *testing.T, tl *timeline, n int) []float32 {
	t.Helper()
	p := make([]byte, 2*n)
	got, err := tl.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != len(p) {
		t.Fatalf("Read = %d bytes, want %d", got, len(p))
	}
	out, err := audio.DecodePCM16(p)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	return out
}

func ones(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// near compares after a PCM16 round trip.
func near(a, b float32) bool {
	d := a - b
	return d > -0.001 && d < 0.001
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	tl := newTimeline(testRate, 1)
	tl.add(ones(5, 0.5), 0, nil)
	tl.add(ones(5, -0.5), 5*time.Millisecond, nil)

	out := render(t, tl, 12)
	for i, v := range out {
		want := float32(0)
		switch {
		case i < 5:
			want = 0.5
		case i < 10:
			want = -0.5
		}
		if !near(v, want) {
			t.Errorf("frame %d = %v, want %v", i, v, want)
		}
	}
}

func TestTimeline_SilenceBetweenBuffers(t *testing.T) {
	tl := newTimeline(testRate, 1)
	tl.add(ones(2, 0.25), 3*time.Millisecond, nil)

	out := render(t, tl, 8)
	want := []float32{0, 0, 0, 0.25, 0.25, 0, 0, 0}
	for i := range want {
		if !near(out[i], want[i]) {
			t.Errorf("frame %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestTimeline_NowCountsRenderedFrames(t *testing.T) {
	tl := newTimeline(testRate, 2)
	if got := tl.now(); got != 0 {
		t.Fatalf("now = %v, want 0", got)
	}
	// 7 stereo frames plus a trailing partial frame.
	if n, err := tl.Read(make([]byte, 7*4+3)); err != nil || n != 28 {
		t.Fatalf("Read = %d, %v; want 28, nil", n, err)
	}
	if got := tl.now(); got != 7*time.Millisecond {
		t.Errorf("now = %v, want 7ms", got)
	}
}

func TestTimeline_CompletionAfterEndInOrder(t *testing.T) {
	tl := newTimeline(testRate, 1)
	var order []string
	tl.add(ones(4, 0.1), 0, func() { order = append(order, "a") })
	tl.add(ones(4, 0.1), 4*time.Millisecond, func() { order = append(order, "b") })

	render(t, tl, 3)
	if len(order) != 0 {
		t.Fatalf("completed early: %v", order)
	}
	render(t, tl, 10)
	if !slices.Equal(order, []string{"a", "b"}) {
		t.Errorf("order = %v, want [a b]", order)
	}
	if n := tl.pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestTimeline_StoppedEntryNeverCompletes(t *testing.T) {
	tl := newTimeline(testRate, 1)
	fired := false
	e, _ := tl.add(ones(4, 0.9), 0, func() { fired = true })

	render(t, tl, 2)
	e.Stop()
	out := render(t, tl, 4)
	if fired {
		t.Error("onComplete ran for a stopped buffer")
	}
	for i, v := range out {
		if v != 0 {
			t.Errorf("frame %d = %v after Stop, want silence", i, v)
		}
	}
}

func TestTimeline_StopAll(t *testing.T) {
	tl := newTimeline(testRate, 1)
	fired := 0
	for i := range 3 {
		tl.add(ones(4, 0.3), time.Duration(4*i)*time.Millisecond, func() { fired++ })
	}
	tl.stopAll()

	for i, v := range render(t, tl, 12) {
		if v != 0 {
			t.Errorf("frame %d = %v after stopAll, want silence", i, v)
		}
	}
	if fired != 0 {
		t.Errorf("onComplete ran %d times after stopAll", fired)
	}
}

func TestTimeline_LateStartKeepsChainGapless(t *testing.T) {
	tl := newTimeline(testRate, 1)
	render(t, tl, 10)

	// Both requested in the past; the second follows the first's real end.
	a, _ := tl.add(ones(3, 0.5), 2*time.Millisecond, nil)
	b, _ := tl.add(ones(3, -0.5), 5*time.Millisecond, nil)
	if a.start != 10 || b.start != 13 {
		t.Fatalf("starts = %d, %d; want 10, 13", a.start, b.start)
	}

	out := render(t, tl, 6)
	want := []float32{0.5, 0.5, 0.5, -0.5, -0.5, -0.5}
	for i := range want {
		if !near(out[i], want[i]) {
			t.Errorf("frame %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestTimeline_ShutdownEndsStream(t *testing.T) {
	tl := newTimeline(testRate, 1)
	tl.add(ones(4, 0.5), 0, nil)
	tl.shutdown()

	if _, err := tl.Read(make([]byte, 8)); !errors.Is(err, io.EOF) {
		t.Errorf("Read after shutdown = %v, want io.EOF", err)
	}
	if _, ok := tl.add(ones(4, 0.5), 0, nil); ok {
		t.Error("add succeeded after shutdown")
	}
}
