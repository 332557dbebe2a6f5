package transport

import (
	"strings"
	"sync"
)

// Location tracks the route the UI currently shows. The UI reports its
// route with Set; Navigate asks the UI to move and records the new route
// right away.
type Location struct {
	mu        sync.Mutex
	path      string
	listeners map[int]func(path string, navigated bool)
	nextID    int
}

func NewLocation(initial string) *Location {
	return &Location{
		path:      normalizePath(initial),
		listeners: map[int]func(string, bool){},
	}
}

func (l *Location) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Location) Set(path string) {
	l.update(path, false)
}

func (l *Location) Navigate(path string) {
	l.update(path, true)
}

// Subscribe registers fn for route changes; navigated is true when the
// change was requested by this process rather than reported by the UI.
func (l *Location) Subscribe(fn func(path string, navigated bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Location) update(path string, navigated bool) {
	path = normalizePath(path)
	l.mu.Lock()
	changed := l.path != path
	l.path = path
	listeners := make([]func(string, bool), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()
	if !changed && !navigated {
		return
	}
	for _, fn := range listeners {
		fn(path, navigated)
	}
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
