package posting

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures worth retrying: network errors, throttling, 5xx.
	ErrTransient = errors.New("transient source error")
	// ErrFatal marks failures that end the run, like a logged out or banned account.
	ErrFatal = errors.New("fatal source error")
)

// Posting is a job listing as yielded by a Source.
type Posting struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	City     string `json:"city,omitempty"`
	Salary   string `json:"salary,omitempty"`
	URL      string `json:"url,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Query narrows what a Source yields. The param tag names the wire parameter.
type Query struct {
	Keywords   []string `param:"keyword"`
	Cities     []string `param:"city"`
	SalaryMin  int      `param:"salary_min"`
	SalaryMax  int      `param:"salary_max"`
	Experience string   `param:"experience"`
	Education  string   `param:"education"`
	PerPage    int      `param:"per_page"`
}

// Status is the result class of an apply action.
type Status string

const (
	StatusSuccess              Status = "SUCCESS"
	StatusFailure              Status = "FAILURE"
	StatusVerificationRequired Status = "VERIFICATION_REQUIRED"
)

// Outcome is what a Source reports for one apply action.
type Outcome struct {
	Status        Status `json:"status"`
	ScreenshotRef string `json:"screenshot_ref,omitempty" mapstructure:"screenshot_ref"`
	Reason        string `json:"reason,omitempty"`
}

// ApplyRequest is one apply action. Code is set when answering a verification challenge.
type ApplyRequest struct {
	Posting  *Posting
	Greeting string
	Code     string
}

// Source yields postings and performs apply actions on the external platform.
// Next returns a nil posting when nothing is available right now.
type Source interface {
	Next(ctx context.Context, q Query) (*Posting, error)
	Apply(ctx context.Context, req ApplyRequest) (Outcome, error)
}

// IsFatal reports whether err should end the run.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
