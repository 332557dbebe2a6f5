package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/te-platform/teclient/internal/schedule"
	"github.com/te-platform/teclient/internal/session"
	"github.com/te-platform/teclient/internal/transport"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
)

// Feed is a snapshot of the live notifications.
type Feed struct {
	UserID        string    `json:"userId"`
	Notifications []Record  `json:"notifications"`
	UnreadCount   int       `json:"unreadCount"`
	State         State     `json:"state"`
	LastChecked   time.Time `json:"lastChecked,omitempty"`
}

type Options struct {
	Upstream   Fetcher
	Dismissals *DismissalStore
	// Sources overrides the role gating; used by tests.
	Sources        func(role session.Role) []Source
	Interval       time.Duration
	ExcludedRoutes []string
	InitialRoute   string
	Clock          clockwork.Clock
	Logger         Logger
}

// cycle is one reconciliation run; done closes when it has merged.
type cycle struct {
	epoch uint64
	role  session.Role
	done  chan struct{}
}

type Reconciler struct {
	dismissals *DismissalStore
	sources    func(role session.Role) []Source
	interval   time.Duration
	excluded   map[string]struct{}
	logger     Logger
	poll       *schedule.Task

	mu        sync.Mutex
	started   bool
	active    bool
	session   session.Session
	epoch     uint64
	route     string
	state     State
	current   *cycle
	rerun     bool
	live      map[Type][]Record
	listeners map[int]func(Feed)
	nextID    int
}

func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Dismissals == nil {
		return nil, errors.New("dismissal store is required")
	}
	if opts.Sources == nil {
		if opts.Upstream == nil {
			return nil, errors.New("upstream fetcher is required")
		}
		api, logger := opts.Upstream, opts.Logger
		opts.Sources = func(role session.Role) []Source {
			return SourcesForRole(role, api, logger)
		}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ExcludedRoutes == nil {
		opts.ExcludedRoutes = []string{"/auth/callback"}
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedRoutes))
	for _, route := range opts.ExcludedRoutes {
		excluded[route] = struct{}{}
	}
	return &Reconciler{
		dismissals: opts.Dismissals,
		sources:    opts.Sources,
		interval:   opts.Interval,
		excluded:   excluded,
		logger:     opts.Logger,
		poll:       schedule.NewTask(opts.Clock),
		route:      opts.InitialRoute,
		state:      StateIdle,
		live:       map[Type][]Record{},
		listeners:  map[int]func(Feed){},
	}, nil
}

// Start enables polling; the first cycle runs as soon as a session is
// authenticated and the route is not excluded.
func (r *Reconciler) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.reevaluate()
}

// Stop cancels polling. A cycle already in flight still completes.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.started = false
	r.active = false
	r.mu.Unlock()
	r.poll.Cancel()
}

// SetSession follows session changes. A different user or a logout drops
// the live feed and discards results of cycles started before.
func (r *Reconciler) SetSession(s session.Session) {
	r.mu.Lock()
	identityChanged := s.UserID != r.session.UserID || s.Role != r.session.Role || s.IsAuthenticated() != r.session.IsAuthenticated()
	r.session = s
	if identityChanged {
		r.epoch++
		r.live = map[Type][]Record{}
	}
	r.mu.Unlock()

	if identityChanged {
		userID := ""
		if s.IsAuthenticated() {
			userID = s.UserID
		}
		if err := r.dismissals.Load(userID); err != nil {
			r.logf("load dismissed notifications for %s failed: %v", userID, err)
		}
		r.publish()
	}
	r.reevaluate()
}

func (r *Reconciler) SetRoute(path string) {
	r.mu.Lock()
	r.route = path
	r.mu.Unlock()
	r.reevaluate()
}

func (r *Reconciler) reevaluate() {
	r.mu.Lock()
	_, excluded := r.excluded[r.route]
	shouldRun := r.started && r.session.IsAuthenticated() && !excluded
	activate := shouldRun && !r.active
	deactivate := !shouldRun && r.active
	r.active = shouldRun
	r.mu.Unlock()

	switch {
	case activate:
		r.poll.Schedule(0, r.tick)
	case deactivate:
		r.poll.Cancel()
	}
}

// tick keeps a fixed cadence; a cycle still in flight makes it skip.
func (r *Reconciler) tick() {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active {
		return
	}
	r.poll.Schedule(r.interval, r.tick)
	if !r.RunOnce(context.Background()) {
		r.logf("skipping notification poll: previous cycle still running")
	}
}

// Refresh runs one cycle now. If a cycle is already in flight it waits for
// it instead, and again for the follow-up when that cycle belonged to a
// previous session.
func (r *Reconciler) Refresh(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.session.IsAuthenticated() {
			r.mu.Unlock()
			return ErrNotAuthenticated
		}
		c := r.current
		if c == nil {
			c = r.beginLocked()
			r.mu.Unlock()
			r.run(ctx, c)
			return nil
		}
		if c.epoch != r.epoch {
			r.rerun = true
		}
		r.mu.Unlock()

		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		fresh := c.epoch == r.epoch
		r.mu.Unlock()
		if fresh {
			return nil
		}
	}
}

type sourceResult struct {
	typ     Type
	records []Record
	err     error
}

// RunOnce performs one reconciliation cycle and reports whether it ran.
// It is refused while another cycle is in flight; when that cycle belongs
// to a previous session a follow-up for the current one runs as soon as it
// finishes. Source failures are logged and never returned.
func (r *Reconciler) RunOnce(ctx context.Context) bool {
	r.mu.Lock()
	if !r.session.IsAuthenticated() {
		r.mu.Unlock()
		return false
	}
	if r.current != nil {
		if r.current.epoch != r.epoch {
			r.rerun = true
		}
		r.mu.Unlock()
		return false
	}
	c := r.beginLocked()
	r.mu.Unlock()
	r.run(ctx, c)
	return true
}

func (r *Reconciler) beginLocked() *cycle {
	c := &cycle{epoch: r.epoch, role: r.session.Role, done: make(chan struct{})}
	r.current = c
	r.state = StateFetching
	return c
}

// run executes c and any follow-up requested while it was in flight.
func (r *Reconciler) run(ctx context.Context, c *cycle) {
	for c != nil {
		r.publish()
		results := r.fetch(ctx, c.role)

		r.mu.Lock()
		r.state = StateReconciling
		r.mu.Unlock()
		r.publish()

		r.mu.Lock()
		if c.epoch == r.epoch {
			for _, result := range results {
				if result.err != nil {
					continue
				}
				r.live[result.typ] = r.undismissedLocked(result.records)
			}
		} else {
			r.logf("discarding notification cycle for a previous session")
		}
		finished := c
		c = nil
		if r.rerun && finished.epoch != r.epoch && r.session.IsAuthenticated() {
			c = r.beginLocked()
			ctx = context.WithoutCancel(ctx)
		} else {
			r.current = nil
			r.state = StateIdle
		}
		r.rerun = false
		r.mu.Unlock()
		close(finished.done)
		if c == nil {
			r.publish()
		}
	}
}

func (r *Reconciler) fetch(ctx context.Context, role session.Role) []sourceResult {
	watermark := r.dismissals.Watermark()
	sources := r.sources(role)
	results := make([]sourceResult, 0, len(sources))
	for _, src := range sources {
		records, err := src.Collect(ctx, watermark)
		if err != nil {
			err = &FetchError{Type: src.Type(), Err: err}
			if transport.IsColdStartError(err) {
				r.logf("notification source %s waiting on backend, keeping last good records: %v", src.Type(), err)
			} else {
				r.logf("notification source failed, keeping last good records: %v", err)
			}
		}
		results = append(results, sourceResult{typ: src.Type(), records: records, err: err})
	}
	return results
}

// undismissedLocked re-applies dismissals and the watermark at merge time,
// so anything read while its fetch was outstanding stays gone.
func (r *Reconciler) undismissedLocked(records []Record) []Record {
	watermark := r.dismissals.Watermark()
	out := make([]Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if _, dup := seen[record.ID]; dup {
			continue
		}
		seen[record.ID] = struct{}{}
		if r.dismissals.IsDismissed(record.ID) || !record.Timestamp.After(watermark) {
			continue
		}
		out = append(out, record)
	}
	return out
}

func (r *Reconciler) MarkAsRead(id string) error {
	r.mu.Lock()
	if err := r.dismissals.MarkAsRead(id); err != nil {
		r.mu.Unlock()
		return err
	}
	r.removeLocked(func(rec Record) bool { return rec.ID == id })
	r.mu.Unlock()
	r.publish()
	return nil
}

func (r *Reconciler) MarkAllRead() error {
	r.mu.Lock()
	ids := make([]string, 0)
	for _, records := range r.live {
		for _, record := range records {
			ids = append(ids, record.ID)
		}
	}
	if _, err := r.dismissals.MarkAllRead(ids); err != nil {
		r.mu.Unlock()
		return err
	}
	r.live = map[Type][]Record{}
	r.mu.Unlock()
	r.publish()
	return nil
}

// ClearAll has the same effect as MarkAllRead.
func (r *Reconciler) ClearAll() error {
	return r.MarkAllRead()
}

// PruneDismissed drops live records dismissed by another process.
func (r *Reconciler) PruneDismissed() {
	r.mu.Lock()
	r.removeLocked(func(rec Record) bool { return r.dismissals.IsDismissed(rec.ID) })
	r.mu.Unlock()
	r.publish()
}

func (r *Reconciler) removeLocked(match func(Record) bool) {
	for typ, records := range r.live {
		kept := records[:0:0]
		for _, record := range records {
			if !match(record) {
				kept = append(kept, record)
			}
		}
		r.live[typ] = kept
	}
}

func (r *Reconciler) Feed() Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedLocked()
}

func (r *Reconciler) UnreadCount() int {
	return len(r.Feed().Notifications)
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Reconciler) feedLocked() Feed {
	records := make([]Record, 0)
	for _, typed := range r.live {
		records = append(records, typed...)
	}
	sortRecords(records)
	userID := ""
	if r.session.IsAuthenticated() {
		userID = r.session.UserID
	}
	return Feed{
		UserID:        userID,
		Notifications: records,
		UnreadCount:   len(records),
		State:         r.state,
		LastChecked:   r.dismissals.Watermark(),
	}
}

// Subscribe registers fn for feed and state changes and returns a cancel func.
func (r *Reconciler) Subscribe(fn func(Feed)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) publish() {
	r.mu.Lock()
	feed := r.feedLocked()
	listeners := make([]func(Feed), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(feed)
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
