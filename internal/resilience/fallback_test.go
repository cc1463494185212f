package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newTestGroup(clock *manualClock) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, Now: clock.Now},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())

	got, name, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		return v + "-ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary-ok" || name != "primary" {
		t.Fatalf("got (%q, %q), want (primary-ok, primary)", got, name)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())

	var tried []string
	_, name, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		tried = append(tried, v)
		if v == "primary" {
			return 0, errTest
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "secondary" {
		t.Fatalf("name = %q, want secondary", name)
	}
	if !slices.Equal(tried, []string{"primary", "secondary"}) {
		t.Fatalf("tried = %v", tried)
	}
}

func TestFallbackGroup_OpenBreakerSkipped(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())
	fail := func(v string) (int, error) {
		if v == "primary" {
			return 0, errTest
		}
		return 1, nil
	}
	_, _, _ = ExecuteWithResult(context.Background(), fg, fail)

	var tried []string
	_, _, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		tried = append(tried, v)
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(tried, []string{"secondary"}) {
		t.Fatalf("tried = %v, want only secondary", tried)
	}
	if fg.States()["primary"] != StateOpen {
		t.Errorf("primary state = %v, want open", fg.States()["primary"])
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())

	_, _, err := ExecuteWithResult(context.Background(), fg, func(string) (int, error) {
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the last failure in the chain", err)
	}
	if fg.Available() {
		t.Error("Available() = true with every breaker open")
	}
}

func TestFallbackGroup_AvailableAfterResetTimeout(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	fg := newTestGroup(clock)
	_, _, _ = ExecuteWithResult(context.Background(), fg, func(string) (int, error) { return 0, errTest })

	clock.Advance(time.Minute)
	if !fg.Available() {
		t.Error("Available() = false after the reset timeout")
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	_, _, err := ExecuteWithResult(ctx, fg, func(v string) (int, error) {
		tried = append(tried, v)
		cancel()
		return 0, context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Fatalf("tried = %v, want only the primary", tried)
	}
	if fg.States()["primary"] != StateClosed {
		t.Error("cancellation must not trip the breaker")
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(newManualClock())
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Fatalf("Names() = %v", got)
	}
}
