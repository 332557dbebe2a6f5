// Package statusapi exposes the client engine to a local UI: the live
// notification feed and its actions, the session, the cold-start overlay,
// the OAuth callback and a websocket stream of state changes.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/te-platform/teclient/internal/coldstart"
	"github.com/te-platform/teclient/internal/notify"
	"github.com/te-platform/teclient/internal/session"
	"github.com/te-platform/teclient/internal/transport"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// Landing is where a completed OAuth login goes without a resume path.
	Landing        string
	MaxBodyBytes   int64
	StreamBuffer   int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         Logger
}

type Server struct {
	sessions *session.Store
	feed     *notify.Reconciler
	overlay  *coldstart.Signal
	location *transport.Location
	cfg      ServerConfig
	events   *hub
	unsubs   []func()
}

type SessionView struct {
	Authenticated   bool       `json:"authenticated"`
	UserID          string     `json:"userId,omitempty"`
	Role            string     `json:"role"`
	RoleCode        int        `json:"roleCode"`
	Expired         bool       `json:"sessionExpired"`
	OAuthInProgress bool       `json:"oauthInProgress"`
	LastLogin       *time.Time `json:"lastSuccessfulLogin,omitempty"`
}

type navigation struct {
	Path string `json:"path"`
}

func NewServer(sessions *session.Store, feed *notify.Reconciler, overlay *coldstart.Signal, location *transport.Location, cfg ServerConfig) *Server {
	if cfg.Landing == "" {
		cfg.Landing = "/workspace"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		sessions: sessions,
		feed:     feed,
		overlay:  overlay,
		location: location,
		cfg:      cfg,
		events:   newHub(),
	}
	s.unsubs = append(s.unsubs,
		feed.Subscribe(func(f notify.Feed) {
			s.events.Publish(newEvent(EventFeed, f))
		}),
		overlay.Subscribe(func(state coldstart.State) {
			s.events.Publish(newEvent(EventOverlay, state))
		}),
		sessions.Subscribe(func(session.Session) {
			s.events.Publish(newEvent(EventSession, s.sessionView()))
		}),
		location.Subscribe(func(path string, navigated bool) {
			if navigated {
				s.events.Publish(newEvent(EventNavigate, navigation{Path: path}))
			}
		}),
	)
	return s
}

// Close detaches from the components and ends every open stream.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.events.closeAll()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w)
		return
	case r.URL.Path == "/auth/callback" && r.Method == http.MethodGet:
		s.handleOAuthCallback(w, r, correlationID)
		return
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.feed.Feed())
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPost:
		s.handleMarkAllRead(w, correlationID)
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "clear" && r.Method == http.MethodPost:
		s.handleClearAll(w, correlationID)
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessionView())
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "logout" && r.Method == http.MethodPost:
		s.handleLogout(w, correlationID)
	case len(parts) == 2 && parts[1] == "route" && r.Method == http.MethodPost:
		s.handleRoute(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "coldstart" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.overlay.State())
	case len(parts) == 3 && parts[1] == "coldstart" && parts[2] == "retry" && r.Method == http.MethodPost:
		s.overlay.Retry()
		writeJSON(w, http.StatusAccepted, s.overlay.State())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleHealth reports "starting" until the persisted session is restored,
// since authenticated calls are refused before then.
func (s *Server) handleHealth(w http.ResponseWriter) {
	status, code := "ok", http.StatusOK
	if !s.sessions.Restored() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"streams": s.events.Len(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, id, correlationID string) {
	if err := s.feed.MarkAsRead(id); err != nil {
		writeNotifyError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Feed())
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, correlationID string) {
	if err := s.feed.MarkAllRead(); err != nil {
		writeNotifyError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Feed())
}

func (s *Server) handleClearAll(w http.ResponseWriter, correlationID string) {
	if err := s.feed.ClearAll(); err != nil {
		writeNotifyError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Feed())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.feed.Refresh(r.Context()); err != nil {
		writeNotifyError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Feed())
}

func (s *Server) handleLogout(w http.ResponseWriter, correlationID string) {
	if err := s.sessions.Logout(); err != nil {
		s.logf("logout failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "logout failed", correlationID)
		return
	}
	s.location.Navigate(transport.LoginPath)
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req navigation
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", correlationID)
		return
	}
	s.location.Set(req.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":          s.location.CurrentPath(),
		"pollingActive": s.feed.Active(),
	})
}

// handleOAuthCallback completes a provider login and sends the UI back to
// the page it was on when the previous session expired.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request, correlationID string) {
	s.location.Set(r.URL.Path)
	if err := s.sessions.BeginOAuth(); err != nil {
		s.logf("mark oauth in progress failed: %v", err)
	}
	resume, err := s.sessions.TakeResumePath()
	if err != nil {
		s.logf("read resume path failed: %v", err)
	}
	if _, err := s.sessions.CompleteOAuth(r.URL.Query()); err != nil {
		if resume != "" {
			if markErr := s.sessions.MarkExpired(resume); markErr != nil {
				s.logf("keep resume path failed: %v", markErr)
			}
		}
		s.location.Navigate(transport.LoginPath)
		var oauthErr *session.OAuthError
		switch {
		case errors.As(err, &oauthErr):
			writeError(w, http.StatusUnauthorized, "oauth_failed", oauthErr.Code, correlationID)
		case errors.Is(err, session.ErrOAuthMissingParams), errors.Is(err, session.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.logf("oauth callback failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "login failed", correlationID)
		}
		return
	}
	target := resume
	if target == "" {
		target = s.cfg.Landing
	}
	s.location.Navigate(target)
	writeJSON(w, http.StatusOK, map[string]any{
		"redirect": target,
		"session":  s.sessionView(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.OriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.events.Subscribe(s.cfg.StreamBuffer)
	defer s.events.Unsubscribe(sub)

	snapshot := map[string]any{
		"feed":      s.feed.Feed(),
		"coldstart": s.overlay.State(),
		"session":   s.sessionView(),
		"path":      s.location.CurrentPath(),
	}
	if err := s.write(ctx, conn, newEvent(EventReady, snapshot)); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := s.write(ctx, conn, evt); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, evt Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}

func (s *Server) sessionView() SessionView {
	current := s.sessions.Current()
	view := SessionView{
		Authenticated:   current.IsAuthenticated(),
		UserID:          current.UserID,
		Role:            current.Role.String(),
		RoleCode:        int(current.Role),
		Expired:         s.sessions.SessionExpired(),
		OAuthInProgress: s.sessions.OAuthInProgress(),
	}
	if at, ok := s.sessions.LastSuccessfulLogin(); ok {
		view.LastLogin = &at
	}
	return view
}

func writeNotifyError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, notify.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	case errors.Is(err, notify.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
