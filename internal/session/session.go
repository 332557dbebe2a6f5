// Package session owns the authenticated identity of this client and its
// persistence in storage shared with other processes of the same user.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/te-platform/teclient/internal/storage"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotRestored        = errors.New("session not restored yet")
	ErrOAuthMissingParams = errors.New("oauth callback missing required parameters")
)

// OAuthError carries the error code the backend put on the callback URL.
type OAuthError struct {
	Code string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth login failed: %s", e.Code)
}

type Role int

const (
	RoleGuest Role = iota
	RoleMember
	RoleReferrer
	RoleVolunteer
	RoleLead
	RoleAdmin
)

// Privileged reports whether the role signs in through the management login.
func (r Role) Privileged() bool {
	return r >= RoleReferrer
}

func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RoleMember:
		return "member"
	case RoleReferrer:
		return "referrer"
	case RoleVolunteer:
		return "volunteer"
	case RoleLead:
		return "lead"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole reads the persisted decimal role; anything unreadable is a guest.
func ParseRole(raw string) Role {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < int(RoleGuest) || value > int(RoleAdmin) {
		return RoleGuest
	}
	return Role(value)
}

type Session struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	AccessToken string `json:"-"`
}

func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// IdentityHook receives fire-and-forget identity changes.
type IdentityHook interface {
	Identify(userID string, props map[string]any)
	Reset()
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Durable is shared by every process of the user on this device.
	Durable storage.Backend
	// Tab holds per-process flags; defaults to memory.
	Tab      storage.Backend
	Identity IdentityHook
	Clock    clockwork.Clock
	Logger   Logger
}

type Store struct {
	durable  storage.Backend
	tab      storage.Backend
	identity IdentityHook
	clock    clockwork.Clock
	logger   Logger

	mu        sync.Mutex
	current   Session
	restored  bool
	listeners map[int]func(Session)
	nextID    int
}

func New(opts Options) (*Store, error) {
	if opts.Durable == nil {
		return nil, fmt.Errorf("durable storage is required")
	}
	if opts.Tab == nil {
		opts.Tab = storage.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{
		durable:   opts.Durable,
		tab:       opts.Tab,
		identity:  opts.Identity,
		clock:     opts.Clock,
		logger:    opts.Logger,
		listeners: map[int]func(Session){},
	}, nil
}

// Restore loads the persisted session. Authenticated requests are refused
// until it has completed once.
func (s *Store) Restore() error {
	persisted, err := s.readPersisted()
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	s.mu.Lock()
	s.current = persisted
	s.restored = true
	s.mu.Unlock()
	s.notify(persisted)
	return nil
}

func (s *Store) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

func (s *Store) Login(token, userID string, role Role) error {
	token = strings.TrimSpace(token)
	userID = strings.TrimSpace(userID)
	if token == "" || userID == "" {
		return ErrInvalidInput
	}
	err := s.durable.Apply(
		storage.Set(storage.KeyAccessToken, token),
		storage.Set(storage.KeyUserID, userID),
		storage.Set(storage.KeyUserRole, strconv.Itoa(int(role))),
		storage.Set(storage.KeyWasPrivileged, strconv.FormatBool(role.Privileged())),
		storage.Set(storage.KeyLastSuccessfulLogin, strconv.FormatInt(s.clock.Now().UnixMilli(), 10)),
		storage.Remove(storage.KeyOAuthRedirectPath),
		storage.Remove(storage.KeyRedirectAfterLogin),
		storage.Remove(storage.KeyPrevPage),
		storage.Remove(storage.KeySessionExpired),
	)
	if err != nil {
		return fmt.Errorf("persist login: %w", err)
	}
	next := Session{UserID: userID, Role: role, AccessToken: token}
	s.mu.Lock()
	s.current = next
	s.restored = true
	s.mu.Unlock()

	if s.identity != nil {
		s.identity.Identify(userID, map[string]any{"role": int(role)})
	}
	s.notify(next)
	return nil
}

// Logout clears the identity. The privileged flag is kept so a later
// expiry still picks the right login page.
func (s *Store) Logout() error {
	err := s.durable.Apply(
		storage.Remove(storage.KeyAccessToken),
		storage.Remove(storage.KeyUserID),
		storage.Remove(storage.KeyUserRole),
	)
	if err != nil {
		return fmt.Errorf("persist logout: %w", err)
	}
	s.mu.Lock()
	s.current = Session{}
	s.mu.Unlock()

	if s.identity != nil {
		s.identity.Reset()
	}
	s.notify(Session{})
	return nil
}

func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) IsAuthenticated() bool {
	return s.Current().IsAuthenticated()
}

// Token returns the bearer token, or ErrNotRestored before Restore.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.restored {
		return "", ErrNotRestored
	}
	return s.current.AccessToken, nil
}

func (s *Store) WasPrivileged() bool {
	value, err := storage.GetString(s.durable, storage.KeyWasPrivileged)
	if err != nil {
		s.logf("read privileged flag failed: %v", err)
		return false
	}
	return value == "true"
}

// MarkExpired records where to resume and that the session lapsed.
func (s *Store) MarkExpired(resumePath string) error {
	return s.durable.Apply(
		storage.Set(storage.KeyRedirectAfterLogin, resumePath),
		storage.Set(storage.KeySessionExpired, "true"),
	)
}

func (s *Store) SessionExpired() bool {
	value, err := storage.GetString(s.durable, storage.KeySessionExpired)
	return err == nil && value == "true"
}

// TakeResumePath pops the path saved by the last expiry. Call it before
// Login, which clears stale redirect state.
func (s *Store) TakeResumePath() (string, error) {
	path, err := storage.GetString(s.durable, storage.KeyRedirectAfterLogin)
	if err != nil || path == "" {
		return "", err
	}
	if err := s.durable.Apply(storage.Remove(storage.KeyRedirectAfterLogin)); err != nil {
		return "", err
	}
	return path, nil
}

// Subscribe registers fn for every session change and returns a cancel func.
func (s *Store) Subscribe(fn func(Session)) func() {
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

// WatchExternal follows logins and logouts made by other processes when the
// durable backend can report them.
func (s *Store) WatchExternal(ctx context.Context) error {
	watcher, ok := s.durable.(storage.Watcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func(keys []string) {
		for _, key := range storage.SessionKeys {
			if storage.ContainsKey(keys, key) {
				s.reload()
				return
			}
		}
	})
}

func (s *Store) BeginOAuth() error {
	return s.tab.Apply(storage.Set(storage.KeyOAuthInProgress, "true"))
}

func (s *Store) OAuthInProgress() bool {
	value, err := storage.GetString(s.tab, storage.KeyOAuthInProgress)
	return err == nil && value == "true"
}

// CompleteOAuth finishes a login from the callback query parameters
// token, user_id, role and error.
func (s *Store) CompleteOAuth(params url.Values) (Session, error) {
	defer func() {
		if err := s.tab.Apply(storage.Remove(storage.KeyOAuthInProgress)); err != nil {
			s.logf("clear oauth flag failed: %v", err)
		}
	}()
	if code := strings.TrimSpace(params.Get("error")); code != "" {
		return Session{}, &OAuthError{Code: code}
	}
	token := strings.TrimSpace(params.Get("token"))
	userID := strings.TrimSpace(params.Get("user_id"))
	rawRole := strings.TrimSpace(params.Get("role"))
	if token == "" || userID == "" || rawRole == "" {
		return Session{}, ErrOAuthMissingParams
	}
	if params.Get("state") == "" {
		s.logf("oauth callback without state parameter; backend verified it")
	}
	role := ParseRole(rawRole)
	if err := s.Login(token, userID, role); err != nil {
		return Session{}, err
	}
	return s.Current(), nil
}

// LastSuccessfulLogin returns the time of the most recent login on this device.
func (s *Store) LastSuccessfulLogin() (time.Time, bool) {
	raw, err := storage.GetString(s.durable, storage.KeyLastSuccessfulLogin)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

func (s *Store) reload() {
	persisted, err := s.readPersisted()
	if err != nil {
		s.logf("reload session failed: %v", err)
		return
	}
	s.mu.Lock()
	if s.current == persisted {
		s.mu.Unlock()
		return
	}
	s.current = persisted
	s.restored = true
	s.mu.Unlock()
	s.notify(persisted)
}

func (s *Store) readPersisted() (Session, error) {
	token, err := storage.GetString(s.durable, storage.KeyAccessToken)
	if err != nil {
		return Session{}, err
	}
	if token == "" {
		return Session{}, nil
	}
	userID, err := storage.GetString(s.durable, storage.KeyUserID)
	if err != nil {
		return Session{}, err
	}
	rawRole, err := storage.GetString(s.durable, storage.KeyUserRole)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: userID, Role: ParseRole(rawRole), AccessToken: token}, nil
}

func (s *Store) notify(current Session) {
	s.mu.Lock()
	listeners := make([]func(Session), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(current)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
