package filtering

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/posting"
)

type appliedHistoryFilter struct {
	toggle
	skip bool
}

// NewAppliedHistory creates a filter that drops postings the account already
// applied to. Failed attempts do not count.
func NewAppliedHistory() Filter {
	return &appliedHistoryFilter{}
}

func (f *appliedHistoryFilter) Name() string { return "applied_history" }

func (f *appliedHistoryFilter) Validate(cfg *config.Delivery) error {
	f.skip = cfg == nil || cfg.SkipApplied
	return nil
}

func (f *appliedHistoryFilter) Apply(ctx context.Context, deps Deps, p *posting.Posting) (Verdict, error) {
	if !f.skip {
		return Verdict{}, nil
	}
	if deps.History == nil {
		return Verdict{}, fmt.Errorf("record history is required")
	}

	applied, err := deps.History.HasApplied(ctx, deps.Account, p.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("look up history: %w", err)
	}
	if applied {
		return Verdict{Drop: true, Reason: "already applied"}, nil
	}
	return Verdict{}, nil
}

func (f *appliedHistoryFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{"exclude_applied": strconv.FormatBool(f.skip)},
	}
}
