package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/utils"
	"github.com/spigell/delivery-engine/internal/verification"
)

const (
	reasonStopped         = "stopped while awaiting verification"
	reasonTimedOut        = "verification timed out"
	reasonRoundsExhausted = "verification still required after submitted codes"
	greetingLogLength     = 80
)

type attempt struct {
	posting *posting.Posting
	score   float64
	cfg     config.Delivery
	runID   string
	manual  bool
	log     *zap.Logger
	// precheck runs while holding the apply slot, before any budget is consumed.
	precheck func() error
}

// acquireApply waits for the apply slot or for ctx to end.
func (s *Scheduler) acquireApply(ctx context.Context) error {
	select {
	case s.applySlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseApply() { <-s.applySlot }

// attempt is the single apply-and-record path. The record is created before
// the first apply call and always reaches DELIVERED or FAILED.
func (s *Scheduler) attempt(ctx context.Context, a attempt) (records.Record, error) {
	if err := s.acquireApply(ctx); err != nil {
		return records.Record{}, err
	}
	defer s.releaseApply()

	if a.precheck != nil {
		if err := a.precheck(); err != nil {
			return records.Record{}, err
		}
	}

	p := a.posting
	log := logger.WithFields(a.log, logger.Posting(p.ID))
	detached := context.WithoutCancel(ctx)

	greetCtx, cancel := context.WithTimeout(detached, s.opts.ApplyTimeout)
	text, err := s.deps.Greeter.Generate(greetCtx, p)
	cancel()
	if err != nil || text == "" {
		text = a.cfg.DefaultGreeting
	}

	platform := p.Platform
	if platform == "" {
		platform = a.cfg.Platform
	}

	now := s.deps.Clock.Now()
	rec := &records.Record{
		Account:      s.deps.Account,
		PostingID:    p.ID,
		Title:        p.Title,
		Company:      p.Company,
		JobURL:       p.URL,
		MatchScore:   a.score,
		Status:       records.StatusPending,
		AppliedAt:    now,
		GreetingText: text,
		Platform:     platform,
		Manual:       a.manual,
	}
	if err := s.deps.Store.Create(detached, rec); err != nil {
		return records.Record{}, fmt.Errorf("creating delivery record: %w", err)
	}

	s.limiter.Record(now, s.opts.Random())
	s.count(func(t *tally) {
		t.attempted++
		t.lastAt = &now
		if a.manual {
			t.manual++
		}
	})
	s.updateRun(func(r *Run) {
		r.TotalAttempted++
		r.LastAttemptAt = &now
		r.CurrentPosting = p
	})

	log.Info("applying",
		zap.String("title", p.Title),
		zap.String("company", p.Company),
		zap.Float64("score", a.score),
		zap.Bool("manual", a.manual),
		zap.String("greeting", utils.TruncateForLog(text, greetingLogLength)),
	)
	s.publish(broadcast.EventProgress, Progress{Stage: stageApplying, PostingID: p.ID, Title: p.Title, Company: p.Company, Score: a.score})
	s.publish(broadcast.EventRecord, *rec)

	outcome, applyErr := s.applyWithVerification(ctx, a, text, log)

	to := records.StatusDelivered
	reason := ""
	switch {
	case applyErr != nil:
		to = records.StatusFailed
		reason = applyErr.Error()
	case outcome.Status != posting.StatusSuccess:
		to = records.StatusFailed
		reason = outcome.Reason
		if reason == "" {
			reason = "apply rejected by the platform"
		}
	}

	finished, err := s.deps.Store.Transition(detached, rec.ID, to, reason, s.deps.Clock.Now())
	if err != nil {
		log.Error("recording delivery outcome", zap.Error(err))
		finished = *rec
		finished.Status = to
		finished.Reason = reason
	}

	s.count(func(t *tally) {
		if to == records.StatusDelivered {
			t.succeeded++
		} else {
			t.failed++
		}
	})
	s.updateRun(func(r *Run) {
		if to == records.StatusDelivered {
			r.TotalSucceeded++
		} else {
			r.TotalFailed++
		}
		r.CurrentPosting = nil
	})

	if to == records.StatusDelivered {
		log.Info("delivered")
		s.publish(broadcast.EventSuccess, broadcast.Message{Message: "delivered: " + p.Title, PostingID: p.ID})
	} else {
		s.limiter.Cooldown(s.deps.Clock.Now().Add(a.cfg.FailureCooldown()))
		log.Warn("delivery failed", zap.String("reason", reason))
		s.publish(broadcast.EventError, broadcast.Message{Message: reason, PostingID: p.ID})
	}
	s.publish(broadcast.EventRecord, finished)
	s.publishStatus()

	if applyErr != nil {
		return finished, applyErr
	}
	return finished, nil
}

// applyWithVerification calls the source and answers verification
// challenges until it gets a final outcome. Only the first call consumed
// rate budget.
func (s *Scheduler) applyWithVerification(ctx context.Context, a attempt, text string, log *zap.Logger) (posting.Outcome, error) {
	p := a.posting
	code := ""

	for round := 0; ; round++ {
		applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ApplyTimeout)
		out, err := s.deps.Source.Apply(applyCtx, posting.ApplyRequest{Posting: p, Greeting: text, Code: code})
		cancel()
		if err != nil {
			if posting.IsFatal(err) && a.manual {
				s.markFatal(err)
			}
			return out, err
		}
		if out.Status != posting.StatusVerificationRequired {
			return out, nil
		}
		if round >= s.opts.MaxVerificationRounds {
			return posting.Outcome{Status: posting.StatusFailure, Reason: reasonRoundsExhausted}, nil
		}

		ticket, err := s.deps.Verifier.Open(verification.OpenParams{
			Account:           s.deps.Account,
			PostingID:         p.ID,
			JobName:           p.Title,
			ChallengeImageRef: out.ScreenshotRef,
			TaskID:            a.runID,
		})
		if err != nil {
			return posting.Outcome{}, err
		}

		log.Info("verification required", zap.String("request_id", ticket.Request.ID), zap.Int("round", round+1))
		s.enterPause(ticket.Request)

		res, err := s.awaitCode(ctx, ticket)
		s.leavePause()
		if err != nil {
			return posting.Outcome{}, err
		}

		switch {
		case res.Canceled:
			return posting.Outcome{Status: posting.StatusFailure, Reason: reasonStopped}, nil
		case res.Expired:
			return posting.Outcome{Status: posting.StatusFailure, Reason: reasonTimedOut}, nil
		}
		code = res.Code
	}
}

// awaitCode parks until the request resolves. When ctx ends first the
// request is canceled, unless a code won the race.
func (s *Scheduler) awaitCode(ctx context.Context, ticket *verification.Ticket) (verification.Resolution, error) {
	res, err := ticket.Wait(ctx)
	if err == nil {
		return res, nil
	}

	if _, cerr := s.deps.Verifier.Cancel(ticket.Request.ID); cerr != nil && !errors.Is(cerr, verification.ErrNotFound) {
		return verification.Resolution{}, cerr
	}
	// resolved either by the cancel above or by whoever won
	return ticket.Wait(context.Background())
}

func (s *Scheduler) enterPause(req verification.Request) {
	s.mu.Lock()
	s.pending = &req
	if s.state == StateRunning {
		s.state = StatePausedForVerification
	}
	s.mu.Unlock()

	s.publish(broadcast.EventVerificationRequired, broadcast.VerificationRequired{
		RequestID:     req.ID,
		JobName:       req.JobName,
		ScreenshotURL: req.ChallengeImageRef,
		TaskID:        req.TaskID,
	})
	s.publishStatus()
}

func (s *Scheduler) leavePause() {
	s.mu.Lock()
	s.pending = nil
	if s.state == StatePausedForVerification {
		s.state = StateRunning
	}
	s.mu.Unlock()

	s.publishStatus()
}

func (s *Scheduler) updateRun(fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil && s.run.IsRunning {
		fn(s.run)
	}
}

func (s *Scheduler) count(fn func(*tally)) {
	s.mu.Lock()
	fn(&s.totals)
	s.mu.Unlock()
}
