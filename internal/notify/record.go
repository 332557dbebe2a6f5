// Package notify turns full upstream snapshots into the per-user
// notification feed. Nothing about the feed is stored server side: every
// cycle recomputes it, and only the ids the user dismissed are persisted.
package notify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotAuthenticated = errors.New("no authenticated session")
	ErrMissingTimestamp = errors.New("no usable timestamp field")
)

type Type string

const (
	TypeReviewUpdate       Type = "review_update"
	TypeReferralUpdate     Type = "referral_update"
	TypeNewRequest         Type = "new_request"
	TypeNewReferralRequest Type = "new_referral_request"
)

type Record struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	Timestamp time.Time `json:"timestamp"`
	// Read is always false; a read record is no longer live.
	Read bool `json:"read"`
}

func RecordID(t Type, itemID string) string {
	return string(t) + "_" + itemID
}

// FetchError wraps a failed source fetch. It is logged and swallowed; the
// type keeps its last good records.
type FetchError struct {
	Type Type
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Type, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"02-01-2006",
}

// ParseTimestamp accepts the formats the backend emits. Values without a
// zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// firstTimestamp parses the first non-empty field in precedence order.
func firstTimestamp(fields ...string) (time.Time, error) {
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return ParseTimestamp(field)
		}
	}
	return time.Time{}, ErrMissingTimestamp
}

// sortRecords orders newest first, then by id, so equal inputs always
// produce equal feeds.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}
