package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/filtering"
	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
)

// Progress is the payload of progress events.
type Progress struct {
	Stage     string  `json:"stage"`
	PostingID string  `json:"postingId,omitempty"`
	Title     string  `json:"title,omitempty"`
	Company   string  `json:"company,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

const (
	stageWaiting  = "waiting"
	stageIdle     = "idle"
	stageDropped  = "dropped"
	stageApplying = "applying"
)

func queryFor(cfg config.Delivery) posting.Query {
	return posting.Query{
		Keywords:   cfg.Keywords,
		Cities:     cfg.Cities,
		SalaryMin:  cfg.Salary.Min,
		SalaryMax:  cfg.Salary.Max,
		Experience: cfg.Experience,
		Education:  cfg.Education,
	}
}

func (s *Scheduler) loop(ctx context.Context, runID string, log *zap.Logger, done chan struct{}) {
	defer close(done)

	clock := s.deps.Clock
	backoff := s.opts.FetchBackoffMin
	deps := filtering.Deps{Account: s.deps.Account, Logger: log, History: s.deps.Store}

	// held is a posting that lost its slot to a tightened budget or a failed
	// filter lookup. It goes through the filters again before anything new
	// is fetched.
	var held *posting.Posting

	sleep := func(reason string, d Decision) bool {
		now := clock.Now()
		s.setNextEligible(d.Until)
		log.Debug("waiting for rate budget", zap.String("reason", reason), zap.Time("until", d.Until))
		s.publish(broadcast.EventProgress, Progress{Stage: stageWaiting, Reason: reason})
		return clock.Sleep(ctx, d.Until.Sub(now), s.wake) == nil
	}

	backOff := func() bool {
		wait := backoff
		if backoff *= 2; backoff > s.opts.FetchBackoffMax {
			backoff = s.opts.FetchBackoffMax
		}
		s.setNextEligible(clock.Now().Add(wait))
		return clock.Sleep(ctx, wait, s.wake) == nil
	}

	for {
		if ctx.Err() != nil {
			s.finish(log, nil)
			return
		}

		cfg := s.deps.Config()
		window, err := config.ParseWindow(cfg.ActiveWindow)
		if err != nil {
			s.finish(log, err)
			return
		}

		if d := s.limiter.Check(clock.Now(), cfg, window); !d.Allowed() {
			if !sleep(d.Reason, d) {
				s.finish(log, nil)
				return
			}
			continue
		}
		s.setNextEligible(clock.Now())

		p := held
		held = nil

		if p == nil {
			p, err = s.deps.Source.Next(ctx, queryFor(cfg))
			switch {
			case err != nil && ctx.Err() != nil:
				s.finish(log, nil)
				return
			case posting.IsFatal(err):
				s.finish(log, err)
				return
			case err != nil:
				log.Warn("fetching posting", zap.Error(err), zap.Duration("backoff", backoff))
				s.publish(broadcast.EventError, broadcast.Message{Message: err.Error()})
				if !backOff() {
					s.finish(log, nil)
					return
				}
				continue
			case p == nil:
				log.Debug("no postings available", zap.Duration("backoff", backoff))
				s.publish(broadcast.EventProgress, Progress{Stage: stageIdle})
				if !backOff() {
					s.finish(log, nil)
					return
				}
				continue
			}
			backoff = s.opts.FetchBackoffMin
		}

		s.filterMu.Lock()
		res, err := filtering.Run(ctx, &cfg, deps, s.deps.Filters, p)
		s.filterMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				s.finish(log, nil)
				return
			}
			log.Warn("filtering posting", logger.Posting(p.ID), zap.Error(err))
			s.publish(broadcast.EventError, broadcast.Message{Message: err.Error(), PostingID: p.ID})
			held = p
			if !backOff() {
				s.finish(log, nil)
				return
			}
			continue
		}
		if res.Dropped {
			s.publish(broadcast.EventProgress, Progress{
				Stage:     stageDropped,
				PostingID: p.ID,
				Title:     p.Title,
				Company:   p.Company,
				Reason:    res.Reason,
				Score:     res.Score,
			})
			continue
		}

		// Fetching takes time, the configuration may have tightened and a
		// manual apply may hold the slot. The budget is checked again once
		// the slot is ours.
		_, err = s.attempt(ctx, attempt{
			posting: p,
			score:   res.Score,
			cfg:     cfg,
			runID:   runID,
			log:     log,
			precheck: func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if d := s.limiter.Check(clock.Now(), cfg, window); !d.Allowed() {
					return errBudgetTaken
				}
				return nil
			},
		})
		if errors.Is(err, errBudgetTaken) {
			held = p
			continue
		}
		if posting.IsFatal(err) {
			s.finish(log, err)
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("delivery attempt", logger.Posting(p.ID), zap.Error(err))
		}
	}
}
