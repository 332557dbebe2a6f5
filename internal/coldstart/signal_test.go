package coldstart

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestSignal(grace time.Duration) (*Signal, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0))
	return New(Options{Grace: grace, Clock: clock}), clock
}

func waitForState(t *testing.T, signal *Signal, match func(State) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if match(signal.State()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("overlay did not reach expected state, last %+v", signal.State())
}

func waitForIdleTimers(t *testing.T, signal *Signal) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !signal.graceTask.Pending() && !signal.lingerTask.Pending() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected no timers left, grace=%v linger=%v", signal.graceTask.Pending(), signal.lingerTask.Pending())
}

func TestOverlayShowsOnSlowRequestAndLingers(t *testing.T) {
	signal, clock := newTestSignal(0)
	signal.OnSlowRequest("a")
	if state := signal.State(); !state.Visible || state.Pending != 1 {
		t.Fatalf("expected visible overlay, got %+v", state)
	}

	signal.OnRequestComplete("a")
	if !signal.State().Visible {
		t.Fatalf("expected overlay to linger after completion")
	}
	clock.Advance(499 * time.Millisecond)
	if !signal.State().Visible {
		t.Fatalf("expected overlay to stay up before linger elapses")
	}
	clock.Advance(time.Millisecond)
	waitForState(t, signal, func(s State) bool { return !s.Visible && !s.TimeoutReached })
}

func TestNewSlowRequestDuringLingerKeepsOverlay(t *testing.T) {
	signal, clock := newTestSignal(0)
	signal.OnSlowRequest("a")
	signal.OnRequestComplete("a")
	clock.Advance(200 * time.Millisecond)
	signal.OnSlowRequest("b")
	clock.Advance(time.Second)
	if state := signal.State(); !state.Visible || state.Pending != 1 {
		t.Fatalf("expected overlay to stay for b, got %+v", state)
	}
	signal.OnRequestComplete("b")
	clock.Advance(500 * time.Millisecond)
	waitForState(t, signal, func(s State) bool { return !s.Visible })
}

func TestGraceDelaysOverlay(t *testing.T) {
	signal, clock := newTestSignal(2 * time.Second)
	signal.OnSlowRequest("a")
	if signal.State().Visible {
		t.Fatalf("expected overlay hidden during grace")
	}
	clock.Advance(2 * time.Second)
	waitForState(t, signal, func(s State) bool { return s.Visible && s.TimeoutReached })
}

func TestRequestFinishingInsideGraceNeverShows(t *testing.T) {
	signal, clock := newTestSignal(2 * time.Second)
	var shown atomic.Bool
	signal.Subscribe(func(state State) {
		if state.Visible {
			shown.Store(true)
		}
	})
	signal.OnSlowRequest("a")
	clock.Advance(time.Second)
	signal.OnRequestComplete("a")
	clock.Advance(5 * time.Second)
	waitForIdleTimers(t, signal)
	if shown.Load() {
		t.Fatalf("expected overlay never to show")
	}
}

func TestCompleteForUnknownRequestIsIgnored(t *testing.T) {
	signal, _ := newTestSignal(0)
	signal.OnRequestComplete("fast")
	if signal.lingerTask.Pending() || signal.State().Pending != 0 {
		t.Fatalf("expected fast request completion to be ignored")
	}
}

func TestRetryHidesOverlay(t *testing.T) {
	retried := 0
	signal := New(Options{Clock: clockwork.NewFakeClock(), OnRetry: func() { retried++ }})
	signal.OnSlowRequest("a")
	signal.OnSlowRequest("b")
	signal.Retry()
	if state := signal.State(); state.Visible || state.Pending != 0 {
		t.Fatalf("expected retry to clear overlay, got %+v", state)
	}
	if retried != 1 {
		t.Fatalf("expected retry callback once, got %d", retried)
	}
	signal.OnRequestComplete("a")
	if signal.State().Visible {
		t.Fatalf("expected late completion not to reopen overlay")
	}
}
