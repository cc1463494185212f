package playback_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/mock"
	"github.com/MrWong99/duplexvoice/pkg/audio/playback"
)

const rate = 24000

func newScheduler(t *testing.T, opts ...playback.Option) (*playback.Scheduler, *mock.OutputDevice) {
	t.Helper()
	dev := mock.NewOutputDevice()
	out, err := dev.Acquire(audio.Format{SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = out.Close() })
	return playback.New(out, opts...), dev
}

func frameOf(d time.Duration, seq uint64) audio.AudioFrame {
	n := int(time.Duration(rate) * d / time.Second)
	return audio.AudioFrame{Samples: make([]float32, n), SampleRate: rate, Channels: 1, Seq: seq}
}

func TestSchedule_GaplessBackToBack(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	var prevEnd time.Duration
	for i := range 5 {
		buf, err := s.Schedule(frameOf(100*time.Millisecond, uint64(i)))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if i > 0 && buf.Start != prevEnd {
			t.Errorf("buffer %d starts at %v, want %v (no gap, no overlap)", i, buf.Start, prevEnd)
		}
		prevEnd = buf.End()
	}
	if got := s.Baseline(); got != 500*time.Millisecond {
		t.Errorf("Baseline = %v, want 500ms", got)
	}
	if got := len(dev.Calls()); got != 5 {
		t.Errorf("device calls = %d, want 5", got)
	}
	if got := s.InFlight(); got != 5 {
		t.Errorf("InFlight = %d, want 5", got)
	}
}

func TestSchedule_SlowerThanRealtimeStartsAtNow(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	first, err := s.Schedule(frameOf(100*time.Millisecond, 0))
	if err != nil {
		t.Fatal(err)
	}
	// Playback drains and the clock runs past the baseline.
	dev.Advance(250 * time.Millisecond)

	second, err := s.Schedule(frameOf(100*time.Millisecond, 1))
	if err != nil {
		t.Fatal(err)
	}
	if second.Start != 250*time.Millisecond {
		t.Errorf("Start = %v, want 250ms (device now)", second.Start)
	}
	if second.Start < first.End() {
		t.Errorf("second buffer overlaps first")
	}
}

func TestSchedule_CompletionReleasesBuffer(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var completed []uint64
	s, dev := newScheduler(t, playback.WithCompletionHook(func(b playback.ScheduledBuffer) {
		mu.Lock()
		completed = append(completed, b.Seq)
		mu.Unlock()
	}))

	for i := range 3 {
		if _, err := s.Schedule(frameOf(100*time.Millisecond, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}

	dev.Advance(200 * time.Millisecond)
	if got := s.InFlight(); got != 1 {
		t.Errorf("InFlight after 200ms = %d, want 1", got)
	}
	dev.Advance(100 * time.Millisecond)
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight after 300ms = %d, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(completed) != "[0 1 2]" {
		t.Errorf("completed = %v, want [0 1 2]", completed)
	}
	if st := s.Stats(); st.Completed != 3 || st.Scheduled != 3 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestCancelAll_StopsEverythingAndResetsBaseline(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	for i := range 4 {
		if _, err := s.Schedule(frameOf(250*time.Millisecond, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	dev.SetNow(300 * time.Millisecond)

	if n := s.CancelAll(); n != 4 {
		t.Errorf("CancelAll = %d, want 4", n)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
	if got := dev.Pending(); got != 0 {
		t.Errorf("device pending = %d, want 0", got)
	}
	if got := dev.Stopped(); got != 4 {
		t.Errorf("device stopped = %d, want 4", got)
	}
	if got := s.Baseline(); got != 300*time.Millisecond {
		t.Errorf("Baseline = %v, want 300ms", got)
	}

	buf, err := s.Schedule(frameOf(100*time.Millisecond, 9))
	if err != nil {
		t.Fatal(err)
	}
	if buf.Start != 300*time.Millisecond {
		t.Errorf("post-cancel Start = %v, want 300ms", buf.Start)
	}
}

func TestCancelAll_Empty(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)
	dev.SetNow(time.Second)

	if n := s.CancelAll(); n != 0 {
		t.Errorf("CancelAll = %d, want 0", n)
	}
	if got := s.Baseline(); got != time.Second {
		t.Errorf("Baseline = %v, want 1s", got)
	}
	if st := s.Stats(); st.Cancellations != 1 {
		t.Errorf("Cancellations = %d, want 1", st.Cancellations)
	}
}

func TestCancelAll_CompletionAfterCancelIsIgnored(t *testing.T) {
	t.Parallel()

	var hookCalls int
	var mu sync.Mutex
	s, dev := newScheduler(t, playback.WithCompletionHook(func(playback.ScheduledBuffer) {
		mu.Lock()
		hookCalls++
		mu.Unlock()
	}))

	if _, err := s.Schedule(frameOf(100*time.Millisecond, 0)); err != nil {
		t.Fatal(err)
	}
	s.CancelAll()
	dev.Advance(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if hookCalls != 0 {
		t.Errorf("completion hook called %d times for a cancelled buffer", hookCalls)
	}
	if st := s.Stats(); st.Completed != 0 || st.Cancelled != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestCancelAll_ConcurrentWithSchedule(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)
	dev.SetNow(time.Second)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_, _ = s.Schedule(frameOf(10*time.Millisecond, uint64(w*100+i)))
			}
		}()
	}
	for range 20 {
		s.CancelAll()
	}
	wg.Wait()
	s.CancelAll()

	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
	if got := dev.Pending(); got != 0 {
		t.Errorf("device pending = %d, want 0", got)
	}
	st := s.Stats()
	if st.Scheduled != 200 {
		t.Errorf("Scheduled = %d, want 200", st.Scheduled)
	}
	if st.Cancelled != st.Scheduled {
		t.Errorf("Cancelled = %d, want %d", st.Cancelled, st.Scheduled)
	}
}

func TestSchedule_BuffersNeverOverlap(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	steps := []struct {
		dur     time.Duration
		advance time.Duration
	}{
		{40 * time.Millisecond, 0},
		{40 * time.Millisecond, 10 * time.Millisecond},
		{20 * time.Millisecond, 200 * time.Millisecond},
		{80 * time.Millisecond, 0},
		{10 * time.Millisecond, 5 * time.Millisecond},
	}
	for i, st := range steps {
		dev.Advance(st.advance)
		if _, err := s.Schedule(frameOf(st.dur, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}

	calls := dev.Calls()
	for i := 1; i < len(calls); i++ {
		prevEnd := calls[i-1].StartAt + calls[i-1].Duration
		if calls[i].StartAt < prevEnd {
			t.Errorf("call %d starts at %v before previous end %v", i, calls[i].StartAt, prevEnd)
		}
	}
}

func TestSchedule_EmptyFrameIsNoop(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	buf, err := s.Schedule(audio.AudioFrame{SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if buf.Duration != 0 {
		t.Errorf("Duration = %v, want 0", buf.Duration)
	}
	if got := len(dev.Calls()); got != 0 {
		t.Errorf("device calls = %d, want 0", got)
	}
}

func TestSchedule_RateMismatch(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)

	_, err := s.Schedule(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1})
	if err == nil {
		t.Fatal("expected error for mismatched sample rate")
	}
}

func TestSchedule_DeviceLost(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)
	dev.ScheduleErr = fmt.Errorf("unplugged: %w", audio.ErrDeviceLost)

	_, err := s.Schedule(frameOf(100*time.Millisecond, 0))
	if !errors.Is(err, playback.ErrDeviceLost) {
		t.Fatalf("err = %v, want ErrDeviceLost", err)
	}

	// Lost state is sticky even if the device recovers.
	dev.ScheduleErr = nil
	if _, err := s.Schedule(frameOf(100*time.Millisecond, 1)); !errors.Is(err, playback.ErrDeviceLost) {
		t.Fatalf("second err = %v, want ErrDeviceLost", err)
	}
}

func TestSchedule_TransientDeviceError(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)
	dev.ScheduleErr = errors.New("busy")

	_, err := s.Schedule(frameOf(100*time.Millisecond, 0))
	if err == nil || errors.Is(err, playback.ErrDeviceLost) {
		t.Fatalf("err = %v, want non-lost error", err)
	}
	if got := s.Baseline(); got != 0 {
		t.Errorf("Baseline moved to %v after failed schedule", got)
	}
	dev.ScheduleErr = nil
	if _, err := s.Schedule(frameOf(100*time.Millisecond, 1)); err != nil {
		t.Fatalf("Schedule after recovery: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	s, dev := newScheduler(t)

	if _, err := s.Schedule(frameOf(100*time.Millisecond, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if dev.CallCountStopAll != 1 {
		t.Errorf("StopAll calls = %d, want 1", dev.CallCountStopAll)
	}
	if _, err := s.Schedule(frameOf(100*time.Millisecond, 1)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestInFlightBuffers_Ordered(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)

	for i := range 5 {
		if _, err := s.Schedule(frameOf(20*time.Millisecond, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	bufs := s.InFlightBuffers()
	for i, b := range bufs {
		if b.Seq != uint64(i) {
			t.Errorf("buffer %d has Seq %d", i, b.Seq)
		}
	}
}
