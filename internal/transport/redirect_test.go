package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type fakeSession struct {
	mu         sync.Mutex
	privileged bool
	logouts    int
	expiredAt  []string
}

func (f *fakeSession) Logout() error {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) MarkExpired(path string) error {
	f.mu.Lock()
	f.expiredAt = append(f.expiredAt, path)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) WasPrivileged() bool {
	return f.privileged
}

// stuckNavigator records navigations without changing the current path,
// like a UI that has not finished moving yet.
type stuckNavigator struct {
	mu      sync.Mutex
	path    string
	visited []string
}

func (n *stuckNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *stuckNavigator) Navigate(path string) {
	n.mu.Lock()
	n.visited = append(n.visited, path)
	n.mu.Unlock()
}

func TestDoubleUnauthorizedNavigatesOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	session := &fakeSession{privileged: true}
	nav := &stuckNavigator{path: "/workspace/referrals"}
	policy := NewRedirectPolicy(RedirectOptions{Session: session, Navigator: nav})
	client := NewClient(Options{BaseURL: server.URL, HTTPClient: server.Client(), OnAuthFailure: policy})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.DoJSON(context.Background(), http.MethodGet, "/referrals/all", nil, nil)
		}()
	}
	wg.Wait()

	if len(nav.visited) != 1 || nav.visited[0] != LeadLoginPath {
		t.Fatalf("expected a single navigation to %s, got %v", LeadLoginPath, nav.visited)
	}
	if session.logouts != 2 {
		t.Fatalf("expected the session to be cleared on each 401, got %d", session.logouts)
	}
	if len(session.expiredAt) != 1 || session.expiredAt[0] != "/workspace/referrals" {
		t.Fatalf("expected resume path to be saved once, got %v", session.expiredAt)
	}

	policy.Rearm()
	policy.HandleAuthFailure("after-login")
	if len(nav.visited) != 2 {
		t.Fatalf("expected rearmed policy to navigate again, got %v", nav.visited)
	}
}

func TestRedirectTargetsBaseLoginForMembers(t *testing.T) {
	session := &fakeSession{}
	nav := &stuckNavigator{path: "/workspace"}
	policy := NewRedirectPolicy(RedirectOptions{Session: session, Navigator: nav})
	policy.HandleAuthFailure("r1")
	if len(nav.visited) != 1 || nav.visited[0] != LoginPath {
		t.Fatalf("expected navigation to %s, got %v", LoginPath, nav.visited)
	}
}

func TestRedirectSkippedOnEntryPoints(t *testing.T) {
	for _, path := range DefaultEntryPoints {
		session := &fakeSession{}
		nav := &stuckNavigator{path: path}
		policy := NewRedirectPolicy(RedirectOptions{Session: session, Navigator: nav})
		policy.HandleAuthFailure("r1")
		if len(nav.visited) != 0 {
			t.Fatalf("expected no navigation from %s, got %v", path, nav.visited)
		}
		if session.logouts != 1 {
			t.Fatalf("expected logout on %s", path)
		}
		if len(session.expiredAt) != 0 {
			t.Fatalf("expected no resume path from entry point %s", path)
		}
		if policy.latched {
			t.Fatalf("expected latch to stay open on %s", path)
		}
	}
}

func TestLocationNormalizesAndNotifies(t *testing.T) {
	loc := NewLocation("")
	if loc.CurrentPath() != "/" {
		t.Fatalf("expected root path, got %q", loc.CurrentPath())
	}
	var seen []string
	loc.Subscribe(func(path string, navigated bool) {
		seen = append(seen, path)
		if navigated != (path == "/login") {
			t.Errorf("unexpected navigated=%v for %s", navigated, path)
		}
	})
	loc.Set("workspace/referrals/?tab=mine")
	loc.Set("/workspace/referrals")
	loc.Navigate("/login")
	if len(seen) != 2 || seen[0] != "/workspace/referrals" || seen[1] != "/login" {
		t.Fatalf("unexpected notifications %v", seen)
	}
}
