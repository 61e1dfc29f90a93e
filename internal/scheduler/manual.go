package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
)

// ManualRequest is an operator-chosen posting.
type ManualRequest struct {
	JobID       string `json:"jobId"`
	JobTitle    string `json:"jobTitle"`
	CompanyName string `json:"companyName"`
	JobURL      string `json:"jobUrl,omitempty"`
}

// ManualApply applies to one posting on the operator's behalf. It skips the
// filters and the interval and window throttles but honours the daily and
// hourly caps. It blocks through any verification challenge.
func (s *Scheduler) ManualApply(ctx context.Context, req ManualRequest) (records.Record, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	req.JobTitle = strings.TrimSpace(req.JobTitle)
	req.CompanyName = strings.TrimSpace(req.CompanyName)
	if req.JobID == "" || req.JobTitle == "" || req.CompanyName == "" {
		return records.Record{}, fmt.Errorf("%w: jobId, jobTitle and companyName are required", ErrInvalidRequest)
	}

	s.mu.Lock()
	if s.state == StateFatalError {
		s.mu.Unlock()
		return records.Record{}, ErrFatalUnacknowledged
	}
	runID := ""
	if s.run != nil && s.run.IsRunning {
		runID = s.run.RunID
	}
	s.mu.Unlock()

	cfg := s.deps.Config()
	score := cfg.Engine().Score(req.JobTitle, cfg.Keywords).Score

	p := &posting.Posting{
		ID:       req.JobID,
		Title:    req.JobTitle,
		Company:  req.CompanyName,
		URL:      strings.TrimSpace(req.JobURL),
		Platform: cfg.Platform,
	}

	return s.attempt(ctx, attempt{
		posting: p,
		score:   score,
		cfg:     cfg,
		runID:   runID,
		manual:  true,
		log:     s.log,
		precheck: func() error {
			return s.limiter.CheckCaps(s.deps.Clock.Now(), cfg)
		},
	})
}
