package transport

import (
	"sync"
)

const (
	LoginPath     = "/login"
	LeadLoginPath = "/lead-login"
)

// DefaultEntryPoints are the routes that never trigger an expiry redirect.
var DefaultEntryPoints = []string{"/login", "/lead-login", "/referrer-login", "/auth/callback"}

type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// SessionControl is the part of the session store the policy drives.
type SessionControl interface {
	Logout() error
	MarkExpired(resumePath string) error
	WasPrivileged() bool
}

type RedirectOptions struct {
	Session     SessionControl
	Navigator   Navigator
	EntryPoints []string
	Logger      Logger
}

// RedirectPolicy is the single global reaction to a 401: clear the session
// and send the user to the right login page at most once per expiry.
type RedirectPolicy struct {
	session     SessionControl
	nav         Navigator
	entryPoints map[string]struct{}
	logger      Logger

	mu      sync.Mutex
	latched bool
}

func NewRedirectPolicy(opts RedirectOptions) *RedirectPolicy {
	entryPoints := opts.EntryPoints
	if len(entryPoints) == 0 {
		entryPoints = DefaultEntryPoints
	}
	set := make(map[string]struct{}, len(entryPoints))
	for _, path := range entryPoints {
		set[path] = struct{}{}
	}
	return &RedirectPolicy{
		session:     opts.Session,
		nav:         opts.Navigator,
		entryPoints: set,
		logger:      opts.Logger,
	}
}

func (p *RedirectPolicy) HandleAuthFailure(requestID string) {
	if err := p.session.Logout(); err != nil {
		p.logf("logout after 401 (request %s) failed: %v", requestID, err)
	}

	p.mu.Lock()
	if p.latched {
		p.mu.Unlock()
		return
	}
	current := p.nav.CurrentPath()
	if _, ok := p.entryPoints[current]; ok {
		p.mu.Unlock()
		return
	}
	p.latched = true
	p.mu.Unlock()

	if err := p.session.MarkExpired(current); err != nil {
		p.logf("persist expiry state failed: %v", err)
	}
	target := LoginPath
	if p.session.WasPrivileged() {
		target = LeadLoginPath
	}
	p.logf("session expired on %s (request %s); redirecting to %s", current, requestID, target)
	p.nav.Navigate(target)
}

// Rearm re-opens the latch; called after a successful login.
func (p *RedirectPolicy) Rearm() {
	p.mu.Lock()
	p.latched = false
	p.mu.Unlock()
}

func (p *RedirectPolicy) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
