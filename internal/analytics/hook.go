// Package analytics forwards identity changes and page views to PostHog.
// Delivery is fire-and-forget: callers never wait and failures are only
// logged.
package analytics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Nop struct{}

func (Nop) Identify(string, map[string]any) {}
func (Nop) Reset()                          {}

// Enqueuer is the part of posthog.Client the hook uses.
type Enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

type CaptureOptions struct {
	Endpoint string
	APIKey   string
	// Client replaces the PostHog client built from Endpoint and APIKey.
	Client Enqueuer
	Logger Logger
}

// Capture links the anonymous device id to the user on login, starts a new
// anonymous id on logout and records $pageview for route changes.
type Capture struct {
	client Enqueuer
	logger Logger

	mu          sync.Mutex
	anonymousID string
	userID      string
}

func NewCapture(opts CaptureOptions) (*Capture, error) {
	client := opts.Client
	if client == nil {
		endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
		if endpoint == "" {
			return nil, fmt.Errorf("capture endpoint is required")
		}
		var err error
		client, err = posthog.NewWithConfig(strings.TrimSpace(opts.APIKey), posthog.Config{Endpoint: endpoint})
		if err != nil {
			return nil, fmt.Errorf("posthog client: %w", err)
		}
	}
	return &Capture{
		client:      client,
		logger:      opts.Logger,
		anonymousID: uuid.NewString(),
	}, nil
}

func (c *Capture) Identify(userID string, props map[string]any) {
	c.mu.Lock()
	anonymousID := c.anonymousID
	c.userID = userID
	c.mu.Unlock()
	properties := posthog.NewProperties().Set("$anon_distinct_id", anonymousID)
	for key, value := range props {
		properties.Set(key, value)
	}
	c.enqueue(posthog.Identify{DistinctId: userID, Properties: properties})
}

// Reset starts a new anonymous identity, matching a client-side logout.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.anonymousID = uuid.NewString()
	c.userID = ""
	c.mu.Unlock()
}

// Pageview records a route change for the current identity.
func (c *Capture) Pageview(path string) {
	c.mu.Lock()
	distinctID := c.userID
	if distinctID == "" {
		distinctID = c.anonymousID
	}
	c.mu.Unlock()
	c.enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      "$pageview",
		Properties: posthog.NewProperties().Set("$pathname", path),
	})
}

// Close flushes queued events; used on shutdown.
func (c *Capture) Close() error {
	return c.client.Close()
}

func (c *Capture) enqueue(msg posthog.Message) {
	if err := c.client.Enqueue(msg); err != nil {
		c.logf("analytics delivery failed: %v", err)
	}
}

func (c *Capture) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
