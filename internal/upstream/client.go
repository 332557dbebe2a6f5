// Package upstream is the typed view of the platform backend resources the
// client reads. Every list item is checked against its JSON Schema; items
// that fail are dropped and logged instead of failing the whole list.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedResponse = errors.New("malformed upstream response")

// MalformedRecordError describes one item excluded from a list.
type MalformedRecordError struct {
	Resource string
	ItemID   string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	id := e.ItemID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("malformed %s record %s: %v", e.Resource, id, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// Doer is satisfied by transport.Client.
type Doer interface {
	DoJSON(ctx context.Context, method, path string, body any, out any) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Company struct {
	Name         string `json:"name"`
	Image        string `json:"image"`
	ReferralLink string `json:"referral_link"`
}

type Review struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	UserName      string `json:"user_name"`
	JobTitle      string `json:"job_title"`
	Level         string `json:"level"`
	Status        string `json:"status"`
	SubmittedDate string `json:"submitted_date"`
	AssignedDate  string `json:"assigned_date"`
	ReviewDate    string `json:"review_date"`
	UpdatedAt     string `json:"updated_at"`
	ReviewerName  string `json:"reviewer_name"`
	Feedback      string `json:"feedback"`
}

type Referral struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	UserName     string  `json:"user_name"`
	JobTitle     string  `json:"job_title"`
	Role         string  `json:"role"`
	Status       string  `json:"status"`
	ReviewNote   string  `json:"review_note"`
	Date         string  `json:"date"`
	FeedbackDate string  `json:"feedback_date"`
	Company      Company `json:"company"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Role      int    `json:"role"`
}

type LoginResult struct {
	Sub         string `json:"sub"`
	Role        int    `json:"role"`
	AccessToken string `json:"access_token"`
}

type Client struct {
	doer      Doer
	validator *Validator
	logger    Logger
}

func NewClient(doer Doer, logger Logger) (*Client, error) {
	if doer == nil {
		return nil, fmt.Errorf("upstream transport is required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Client{doer: doer, validator: validator, logger: logger}, nil
}

func (c *Client) MyReviews(ctx context.Context) ([]Review, error) {
	return listItems[Review](ctx, c, "/resumes/reviews/my-requests", "reviews", schemaReview)
}

func (c *Client) ReviewQueue(ctx context.Context) ([]Review, error) {
	return listItems[Review](ctx, c, "/resumes/reviews/all", "reviews", schemaReview)
}

func (c *Client) MyReferrals(ctx context.Context) ([]Referral, error) {
	return listItems[Referral](ctx, c, "/referrals/mine", "referrals", schemaReferral)
}

func (c *Client) ReferralQueue(ctx context.Context) ([]Referral, error) {
	return listItems[Referral](ctx, c, "/referrals/all", "referrals", schemaReferral)
}

func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("user id is required")
	}
	var envelope map[string]json.RawMessage
	if err := c.doer.DoJSON(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &envelope); err != nil {
		return User{}, err
	}
	raw, ok := envelope["user"]
	if !ok {
		return User{}, fmt.Errorf("%w: missing user field", ErrMalformedResponse)
	}
	var user User
	if err := c.decodeChecked(schemaUser, raw, &user); err != nil {
		return User{}, &MalformedRecordError{Resource: "user", ItemID: userID, Err: err}
	}
	return user, nil
}

// Login exchanges member credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	return c.login(ctx, "/auth/login", map[string]string{"username": username, "password": password})
}

// LeadLogin is the management login for volunteers, leads and admins.
func (c *Client) LeadLogin(ctx context.Context, username, token string) (LoginResult, error) {
	return c.login(ctx, "/auth/lead-login", map[string]string{"username": username, "token": token})
}

func (c *Client) ReferrerLogin(ctx context.Context, token string) (LoginResult, error) {
	return c.login(ctx, "/auth/referrer-login", map[string]string{"token": token})
}

func (c *Client) login(ctx context.Context, path string, body map[string]string) (LoginResult, error) {
	var raw json.RawMessage
	if err := c.doer.DoJSON(ctx, http.MethodPost, path, body, &raw); err != nil {
		return LoginResult{}, err
	}
	var result LoginResult
	if err := c.decodeChecked(schemaLogin, raw, &result); err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return result, nil
}

func listItems[T any](ctx context.Context, c *Client, path, field, schema string) ([]T, error) {
	var envelope map[string]json.RawMessage
	if err := c.doer.DoJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	rawList, ok := envelope[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s missing %s field", ErrMalformedResponse, path, field)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawList, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	out := make([]T, 0, len(items))
	for _, raw := range items {
		var item T
		if err := c.decodeChecked(schema, raw, &item); err != nil {
			c.logf("%v", &MalformedRecordError{Resource: field, ItemID: itemID(raw), Err: err})
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) decodeChecked(schema string, raw []byte, out any) error {
	if err := c.validator.Validate(schema, raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func itemID(raw []byte) string {
	var head struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(raw, &head) != nil || head.ID == nil {
		return ""
	}
	return fmt.Sprint(head.ID)
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
