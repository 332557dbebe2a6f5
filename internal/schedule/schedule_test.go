package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d runs, got %d", want, counter.Load())
}

func TestTaskRescheduleReplacesPendingRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0))
	task := NewTask(clock)
	var mu sync.Mutex
	var fired []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		}
	}
	var done atomic.Int32

	task.Schedule(500*time.Millisecond, record("first"))
	clock.Advance(300 * time.Millisecond)
	task.Schedule(500*time.Millisecond, func() {
		record("second")()
		done.Add(1)
	})
	clock.Advance(300 * time.Millisecond)
	if !task.Pending() {
		t.Fatalf("expected the replacement run to be pending")
	}
	clock.Advance(200 * time.Millisecond)
	waitForCount(t, &done, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("expected only the second run, got %v", fired)
	}
	if task.Pending() {
		t.Fatalf("expected task to be idle after firing")
	}
}

func TestTaskCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0))
	task := NewTask(clock)
	var fired atomic.Bool
	task.Schedule(time.Second, func() { fired.Store(true) })
	if !task.Cancel() {
		t.Fatalf("expected cancel to report a pending run")
	}
	if task.Cancel() {
		t.Fatalf("expected second cancel to be a no-op")
	}
	clock.Advance(2 * time.Second)
	if fired.Load() {
		t.Fatalf("expected cancelled run not to fire")
	}
}

func TestTaskPeriodicReschedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0))
	task := NewTask(clock)
	var runs atomic.Int32
	var tick func()
	tick = func() {
		runs.Add(1)
		task.Schedule(30*time.Second, tick)
	}
	task.Schedule(30*time.Second, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := int32(1); i <= 3; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for run %d to be scheduled: %v", i, err)
		}
		clock.Advance(30 * time.Second)
		waitForCount(t, &runs, i)
	}
	if got := clock.Now(); !got.Equal(time.Unix(90, 0)) {
		t.Fatalf("expected clock at 90s, got %v", got)
	}
}
