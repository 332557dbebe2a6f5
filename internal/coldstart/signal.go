// Package coldstart drives the "server is waking up" overlay from the
// transport's slow and complete request events.
package coldstart

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/te-platform/teclient/internal/schedule"
)

type State struct {
	Visible        bool `json:"visible"`
	Pending        int  `json:"pending"`
	TimeoutReached bool `json:"timeoutReached"`
}

type Options struct {
	// Grace is waited after the first slow request before the overlay may
	// show. Zero shows it on the first slow request.
	Grace time.Duration
	// Linger keeps the overlay up after the last slow request completes.
	Linger  time.Duration
	OnRetry func()
	Clock   clockwork.Clock
}

type Signal struct {
	grace   time.Duration
	linger  time.Duration
	onRetry func()

	graceTask  *schedule.Task
	lingerTask *schedule.Task

	mu             sync.Mutex
	pending        map[string]struct{}
	timeoutReached bool
	visible        bool
	listeners      map[int]func(State)
	nextID         int
}

func New(opts Options) *Signal {
	if opts.Linger <= 0 {
		opts.Linger = 500 * time.Millisecond
	}
	return &Signal{
		grace:      opts.Grace,
		linger:     opts.Linger,
		onRetry:    opts.OnRetry,
		graceTask:  schedule.NewTask(opts.Clock),
		lingerTask: schedule.NewTask(opts.Clock),
		pending:    map[string]struct{}{},
		listeners:  map[int]func(State){},
	}
}

func (s *Signal) OnSlowRequest(requestID string) {
	s.mu.Lock()
	s.pending[requestID] = struct{}{}
	s.lingerTask.Cancel()
	if !s.timeoutReached {
		if s.grace <= 0 {
			s.timeoutReached = true
		} else if !s.graceTask.Pending() {
			s.graceTask.Schedule(s.grace, s.reachTimeout)
		}
	}
	changed := s.recomputeLocked()
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

func (s *Signal) OnRequestComplete(requestID string) {
	s.mu.Lock()
	if _, ok := s.pending[requestID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, requestID)
	if len(s.pending) == 0 {
		s.lingerTask.Schedule(s.linger, s.hideIfIdle)
	}
	s.mu.Unlock()
	s.publish()
}

// Retry dismisses the overlay at the user's request and forgets the
// requests it was waiting on.
func (s *Signal) Retry() {
	s.mu.Lock()
	s.pending = map[string]struct{}{}
	s.timeoutReached = false
	s.visible = false
	onRetry := s.onRetry
	s.mu.Unlock()
	s.graceTask.Cancel()
	s.lingerTask.Cancel()
	s.publish()
	if onRetry != nil {
		onRetry()
	}
}

func (s *Signal) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Signal) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Signal) reachTimeout() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.timeoutReached = true
	changed := s.recomputeLocked()
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

func (s *Signal) hideIfIdle() {
	s.mu.Lock()
	if len(s.pending) > 0 {
		s.mu.Unlock()
		return
	}
	s.timeoutReached = false
	s.visible = false
	s.mu.Unlock()
	s.graceTask.Cancel()
	s.publish()
}

// recomputeLocked only ever shows the overlay; hiding goes through linger.
func (s *Signal) recomputeLocked() bool {
	if len(s.pending) > 0 && s.timeoutReached && !s.visible {
		s.visible = true
		return true
	}
	return false
}

func (s *Signal) stateLocked() State {
	return State{
		Visible:        s.visible,
		Pending:        len(s.pending),
		TimeoutReached: s.timeoutReached,
	}
}

func (s *Signal) publish() {
	s.mu.Lock()
	state := s.stateLocked()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}
