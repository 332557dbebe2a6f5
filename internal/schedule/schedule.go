// Package schedule provides cancelable delayed tasks over an injectable
// clockwork clock. Each concern (warn delay, linger, poll interval) owns
// exactly one Task, so rescheduling never leaves a stale timer behind.
package schedule

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Task struct {
	clock clockwork.Clock

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

func NewTask(clock clockwork.Clock) *Task {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Task{clock: clock}
}

// Schedule runs fn after d, replacing any run that is still pending. A run
// whose timer already fired but has not started yet is dropped too.
func (t *Task) Schedule(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending run, reporting whether there was one.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

// Pending reports a scheduled run that has not started yet.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
