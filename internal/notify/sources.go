package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/te-platform/teclient/internal/session"
	"github.com/te-platform/teclient/internal/upstream"
)

// Fetcher is satisfied by upstream.Client.
type Fetcher interface {
	MyReviews(ctx context.Context) ([]upstream.Review, error)
	ReviewQueue(ctx context.Context) ([]upstream.Review, error)
	MyReferrals(ctx context.Context) ([]upstream.Referral, error)
	ReferralQueue(ctx context.Context) ([]upstream.Referral, error)
}

// Source yields the candidate records of one notification type.
type Source interface {
	Type() Type
	Collect(ctx context.Context, watermark time.Time) ([]Record, error)
}

type Tier int

const (
	TierNone Tier = iota
	TierBase
	TierReviewer
)

// TierOf maps a role to the sources it polls. Referrers have no feed.
func TierOf(role session.Role) Tier {
	switch {
	case role <= session.RoleMember:
		return TierBase
	case role >= session.RoleVolunteer:
		return TierReviewer
	default:
		return TierNone
	}
}

func SourcesForRole(role session.Role, api Fetcher, logger Logger) []Source {
	switch TierOf(role) {
	case TierBase:
		return []Source{ReviewUpdates(api, logger), ReferralUpdates(api, logger)}
	case TierReviewer:
		return []Source{NewRequests(api, logger), NewReferralRequests(api, logger)}
	default:
		return nil
	}
}

type itemSource[T any] struct {
	typ        Type
	fetch      func(context.Context) ([]T, error)
	itemID     func(T) string
	timestamps func(T) []string
	qualifies  func(T) bool
	render     func(T) (title, message, link string)
	logger     Logger
}

func (s *itemSource[T]) Type() Type {
	return s.typ
}

func (s *itemSource[T]) Collect(ctx context.Context, watermark time.Time) ([]Record, error) {
	items, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	for _, item := range items {
		if !s.qualifies(item) {
			continue
		}
		id := s.itemID(item)
		updated, err := firstTimestamp(s.timestamps(item)...)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("%v", &upstream.MalformedRecordError{Resource: string(s.typ), ItemID: id, Err: err})
			}
			continue
		}
		if !updated.After(watermark) {
			continue
		}
		title, message, link := s.render(item)
		records = append(records, Record{
			ID:        RecordID(s.typ, id),
			Type:      s.typ,
			Title:     title,
			Message:   message,
			Link:      link,
			Timestamp: updated,
		})
	}
	return records, nil
}

func ReviewUpdates(api Fetcher, logger Logger) Source {
	return &itemSource[upstream.Review]{
		typ:    TypeReviewUpdate,
		fetch:  api.MyReviews,
		itemID: func(r upstream.Review) string { return r.ID },
		timestamps: func(r upstream.Review) []string {
			return []string{r.UpdatedAt, r.ReviewDate, r.AssignedDate}
		},
		qualifies: func(r upstream.Review) bool {
			return strings.TrimSpace(r.Feedback) != "" || r.Status != "Pending"
		},
		render: func(r upstream.Review) (string, string, string) {
			message := fmt.Sprintf("Your review for \"%s\" status changed to %s", r.JobTitle, r.Status)
			if strings.TrimSpace(r.Feedback) != "" {
				message = fmt.Sprintf("Your review for \"%s\" has new feedback", r.JobTitle)
			}
			return "Resume Review Updated", message, "/workspace/resume-reviews"
		},
		logger: logger,
	}
}

func ReferralUpdates(api Fetcher, logger Logger) Source {
	return &itemSource[upstream.Referral]{
		typ:    TypeReferralUpdate,
		fetch:  api.MyReferrals,
		itemID: func(r upstream.Referral) string { return r.ID },
		timestamps: func(r upstream.Referral) []string {
			return []string{r.FeedbackDate}
		},
		qualifies: func(r upstream.Referral) bool {
			return strings.TrimSpace(r.ReviewNote) != "" || r.Status == "Completed" || r.Status == "Declined"
		},
		render: func(r upstream.Referral) (string, string, string) {
			message := fmt.Sprintf("Your referral request for \"%s\" at %s status changed to %s", r.JobTitle, r.Company.Name, r.Status)
			if strings.TrimSpace(r.ReviewNote) != "" {
				message = fmt.Sprintf("Your referral request for \"%s\" at %s has feedback", r.JobTitle, r.Company.Name)
			}
			return "Referral Request Updated", message, "/workspace/referrals"
		},
		logger: logger,
	}
}

func NewRequests(api Fetcher, logger Logger) Source {
	return &itemSource[upstream.Review]{
		typ:    TypeNewRequest,
		fetch:  api.ReviewQueue,
		itemID: func(r upstream.Review) string { return r.ID },
		timestamps: func(r upstream.Review) []string {
			return []string{r.SubmittedDate}
		},
		qualifies: func(r upstream.Review) bool {
			return r.Status == "Pending"
		},
		render: func(r upstream.Review) (string, string, string) {
			message := fmt.Sprintf("%s requested review for \"%s\"", r.UserName, r.JobTitle)
			return "New Resume Review Request", message, "/workspace?section=Resume%20and%20Essays"
		},
		logger: logger,
	}
}

func NewReferralRequests(api Fetcher, logger Logger) Source {
	return &itemSource[upstream.Referral]{
		typ:    TypeNewReferralRequest,
		fetch:  api.ReferralQueue,
		itemID: func(r upstream.Referral) string { return r.ID },
		timestamps: func(r upstream.Referral) []string {
			return []string{r.Date}
		},
		qualifies: func(r upstream.Referral) bool {
			return r.Status == "Pending"
		},
		render: func(r upstream.Referral) (string, string, string) {
			message := fmt.Sprintf("%s requested referral for \"%s\" at %s", r.UserName, r.JobTitle, r.Company.Name)
			return "New Referral Request", message, "/workspace/referrals"
		},
		logger: logger,
	}
}
