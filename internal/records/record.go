package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("delivery record not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// Status is the lifecycle state of a delivery record.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusDelivered        Status = "DELIVERED"
	StatusReplied          Status = "REPLIED"
	StatusInterviewInvited Status = "INTERVIEW_INVITED"
	StatusRejected         Status = "REJECTED"
	StatusFailed           Status = "FAILED"
)

var validTransitions = map[Status][]Status{
	StatusPending:          {StatusDelivered, StatusFailed},
	StatusDelivered:        {StatusReplied, StatusInterviewInvited, StatusRejected},
	StatusFailed:           {StatusReplied, StatusInterviewInvited, StatusRejected},
	StatusReplied:          {StatusInterviewInvited, StatusRejected},
	StatusInterviewInvited: {StatusRejected},
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusDelivered, StatusReplied, StatusInterviewInvited, StatusRejected, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown record status %q", s)
	}
}

// IsTransitionAllowed reports whether a record may move from one status to another.
func IsTransitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isReply reports whether the status means the recruiter answered.
func (s Status) isReply() bool {
	return s == StatusReplied || s == StatusInterviewInvited || s == StatusRejected
}

// Record is the audit entry of one apply attempt.
type Record struct {
	ID           string     `json:"id"`
	Account      string     `json:"account"`
	PostingID    string     `json:"postingId"`
	Title        string     `json:"title"`
	Company      string     `json:"company"`
	JobURL       string     `json:"jobUrl,omitempty"`
	MatchScore   float64    `json:"matchScore"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	AppliedAt    time.Time  `json:"appliedAt"`
	RepliedAt    *time.Time `json:"repliedAt,omitempty"`
	GreetingText string     `json:"greetingText,omitempty"`
	Platform     string     `json:"platform"`
	Manual       bool       `json:"manual"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// apply moves r to status, enforcing the transition table.
func (r *Record) apply(to Status, reason string, at time.Time) error {
	if !IsTransitionAllowed(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	if reason != "" {
		r.Reason = reason
	}
	if to.isReply() && r.RepliedAt == nil {
		replied := at.UTC()
		r.RepliedAt = &replied
	}
	r.UpdatedAt = at.UTC()
	return nil
}

// Query filters and pages a record listing.
type Query struct {
	Account  string
	Page     int
	Size     int
	Status   Status
	Platform string
	Keyword  string
	Start    *time.Time
	End      *time.Time
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (q Query) normalized() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 {
		q.Size = defaultPageSize
	}
	if q.Size > maxPageSize {
		q.Size = maxPageSize
	}
	q.Keyword = strings.TrimSpace(q.Keyword)
	return q
}

// Page is one page of records, newest first.
type Page struct {
	Items []Record `json:"items"`
	Total int64    `json:"total"`
	Page  int      `json:"page"`
	Size  int      `json:"size"`
	Pages int      `json:"pages"`
}

func newPage(items []Record, total int64, q Query) Page {
	pages := int((total + int64(q.Size) - 1) / int64(q.Size))
	if items == nil {
		items = []Record{}
	}
	return Page{Items: items, Total: total, Page: q.Page, Size: q.Size, Pages: pages}
}

// Store persists delivery records. Records are never deleted.
type Store interface {
	// Create stores a new record. Empty ids and statuses get defaults.
	Create(ctx context.Context, r *Record) error
	Transition(ctx context.Context, id string, to Status, reason string, at time.Time) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, q Query) (Page, error)
	Statistics(ctx context.Context, account string, now time.Time) (Statistics, error)
	// AttemptTimesSince returns the start times of attempts at or after since.
	AttemptTimesSince(ctx context.Context, account string, since time.Time) ([]time.Time, error)
	// HasApplied reports whether a non-failed record exists for the posting.
	HasApplied(ctx context.Context, account, postingID string) (bool, error)
}
