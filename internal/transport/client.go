// Package transport instruments every call to the platform backend: it
// attaches the bearer token, reports slow and completed requests to
// observers, and routes authentication failures to one global handler.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/te-platform/teclient/internal/schedule"
)

var ErrAuthExpired = errors.New("authentication expired")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// AuthExpiredError is returned for a 401. It is never retried.
type AuthExpiredError struct {
	RequestID string
	Path      string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication expired for %s", e.Path)
}

func (e *AuthExpiredError) Is(target error) bool {
	return target == ErrAuthExpired
}

// Observer receives timing events. OnRequestComplete fires exactly once
// per request id, after any OnSlowRequest for the same id.
type Observer interface {
	OnSlowRequest(requestID string)
	OnRequestComplete(requestID string)
}

type TokenSource interface {
	Token() (string, error)
}

type AuthFailureHandler interface {
	HandleAuthFailure(requestID string)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL       string
	HTTPClient    *http.Client
	Tokens        TokenSource
	Observers     []Observer
	OnAuthFailure AuthFailureHandler
	// WarnDelay is how long a request may stay pending before it is
	// reported as slow.
	WarnDelay time.Duration
	// SlowLogThreshold only affects diagnostics.
	SlowLogThreshold time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Clock            clockwork.Clock
	Logger           Logger
}

type Client struct {
	baseURL          string
	httpClient       *http.Client
	tokens           TokenSource
	observers        []Observer
	onAuthFailure    AuthFailureHandler
	warnDelay        time.Duration
	slowLogThreshold time.Duration
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	clock            clockwork.Clock
	logger           Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000/v1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.WarnDelay <= 0 {
		opts.WarnDelay = 3 * time.Second
	}
	if opts.SlowLogThreshold <= 0 {
		opts.SlowLogThreshold = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Client{
		baseURL:          baseURL,
		httpClient:       opts.HTTPClient,
		tokens:           opts.Tokens,
		observers:        opts.Observers,
		onAuthFailure:    opts.OnAuthFailure,
		warnDelay:        opts.WarnDelay,
		slowLogThreshold: opts.SlowLogThreshold,
		maxRetries:       opts.MaxRetries,
		baseDelay:        opts.BaseDelay,
		maxDelay:         opts.MaxDelay,
		clock:            opts.Clock,
		logger:           opts.Logger,
	}
}

// tracker serializes the slow and complete signals of one request.
type tracker struct {
	id   string
	warn *schedule.Task
	mu   sync.Mutex
	done bool
}

func (c *Client) DoJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.Token()
		if err != nil {
			return err
		}
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	t := &tracker{id: uuid.NewString()}
	t.warn = schedule.NewTask(c.clock)
	start := c.clock.Now()
	t.warn.Schedule(c.warnDelay, func() { c.markSlow(t) })

	err := c.send(ctx, t.id, method, requestPath, token, bodyBytes, out)

	c.markComplete(t)
	if elapsed := c.clock.Now().Sub(start); elapsed >= c.slowLogThreshold {
		c.logf("slow request %s %s took %s (request %s)", method, requestPath, elapsed, t.id)
	}
	var authErr *AuthExpiredError
	if errors.As(err, &authErr) && c.onAuthFailure != nil {
		c.onAuthFailure.HandleAuthFailure(t.id)
	}
	return err
}

func (c *Client) send(ctx context.Context, requestID, method, requestPath, token string, bodyBytes []byte, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", requestID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := c.backoff(ctx, attempt, ""); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return &AuthExpiredError{RequestID: requestID, Path: requestPath}
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := c.backoff(ctx, attempt, resp.Header.Get("Retry-After")); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func (c *Client) markSlow(t *tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	for _, o := range c.observers {
		o.OnSlowRequest(t.id)
	}
}

func (c *Client) markComplete(t *tracker) {
	t.warn.Cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	for _, o := range c.observers {
		o.OnRequestComplete(t.id)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" && len(errPayload.Detail) > 0 {
		var detail string
		if json.Unmarshal(errPayload.Detail, &detail) == nil {
			message = detail
		} else {
			message = string(errPayload.Detail)
		}
	}
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    message,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500 && code <= 599
}

// backoff sleeps on the client clock before the retry that follows a failed
// attempt (0-based), or returns early with the context error.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfter string) error {
	delay := c.retryDelay(attempt, retryAfter)
	if delay <= 0 {
		return nil
	}
	timer := c.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// retryDelay honors a server Retry-After and otherwise doubles BaseDelay
// per failed attempt. Both are capped at MaxDelay.
func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if wait := c.retryAfter(retryAfter); wait > 0 {
		return min(wait, c.maxDelay)
	}
	delay := c.baseDelay
	for ; attempt > 0 && delay < c.maxDelay; attempt-- {
		delay *= 2
	}
	return min(delay, c.maxDelay)
}

// retryAfter reads delta-seconds or an HTTP date relative to the client
// clock.
func (c *Client) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(c.clock.Until(at), 0)
	}
	return 0
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
