package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
)

// Filter represents a single step deciding whether a posting is worth an attempt.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	// Validate loads the step settings from the configuration snapshot of the current iteration.
	Validate(cfg *config.Delivery) error
	Apply(ctx context.Context, deps Deps, p *posting.Posting) (Verdict, error)
}

// History answers whether an account already applied to a posting.
type History interface {
	HasApplied(ctx context.Context, account, postingID string) (bool, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Account string
	Logger  *zap.Logger
	History History
}

// Verdict is the decision of one step.
type Verdict struct {
	Drop   bool
	Reason string
	// Score is set by steps that rate the posting.
	Score  float64
	Scored bool
}

// Result is the decision of the whole pipeline.
type Result struct {
	Dropped bool
	Step    string
	Reason  string
	Score   float64
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type statusProvider interface {
	Status() Status
}

// Default returns the standard pipeline. Cheap checks run first.
func Default() []Filter {
	return []Filter{
		NewBlacklist(),
		NewUnrelatedRoles(),
		NewKeywordMatch(),
		NewAppliedHistory(),
	}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
// It reports whether such a filter exists.
func DisableByName(steps []Filter, name, reason string) bool {
	found := false
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
			found = true
		}
	}
	return found
}

// Run validates the enabled steps against cfg and applies them in order until
// one drops the posting.
func Run(ctx context.Context, cfg *config.Delivery, deps Deps, steps []Filter, p *posting.Posting) (Result, error) {
	log := logger.WithFields(deps.Logger, logger.Posting(p.ID))

	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return Result{}, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	var res Result
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}

		verdict, err := step.Apply(ctx, deps, p)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if verdict.Scored {
			res.Score = verdict.Score
		}

		if verdict.Drop {
			res.Dropped = true
			res.Step = step.Name()
			res.Reason = verdict.Reason
			log.Info("posting dropped",
				zap.String("name", step.Name()),
				zap.String("reason", verdict.Reason),
				zap.String("title", p.Title),
				zap.String("company", p.Company),
			)
			return res, nil
		}
	}

	log.Debug("posting passed filters", zap.Float64("score", res.Score))
	return res, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// toggle implements the operator-driven part of Filter.
type toggle struct {
	disabled bool
	reason   string
}

func (t *toggle) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *toggle) IsEnabled() bool { return !t.disabled }
