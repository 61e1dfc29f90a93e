package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/matching"
	"github.com/spigell/delivery-engine/internal/posting"
)

type keywordMatchFilter struct {
	toggle
	engine    *matching.Engine
	keywords  []string
	threshold float64
	mode      matching.Mode
}

// NewKeywordMatch creates a filter that scores titles against the configured
// keywords and drops those that do not qualify.
func NewKeywordMatch() Filter {
	return &keywordMatchFilter{}
}

func (f *keywordMatchFilter) Name() string { return "keyword_match" }

func (f *keywordMatchFilter) Validate(cfg *config.Delivery) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}
	f.engine = cfg.Engine()
	f.keywords = append(f.keywords[:0], cfg.Keywords...)
	f.threshold = cfg.MatchThreshold
	f.mode = cfg.MatchingMode
	return nil
}

func (f *keywordMatchFilter) Apply(_ context.Context, _ Deps, p *posting.Posting) (Verdict, error) {
	m := f.engine.Score(p.Title, f.keywords)
	v := Verdict{Score: m.Score, Scored: true}

	switch {
	case !m.Matched():
		v.Drop = true
		v.Reason = "no matching scheme hit any keyword"
	case !m.Qualifies(f.threshold):
		v.Drop = true
		v.Reason = fmt.Sprintf("score %.2f below threshold %.2f", m.Score, f.threshold)
	}

	return v, nil
}

func (f *keywordMatchFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{
			"keywords":  strings.Join(f.keywords, ","),
			"threshold": strconv.FormatFloat(f.threshold, 'f', 2, 64),
			"mode":      string(f.mode),
		},
	}
}
