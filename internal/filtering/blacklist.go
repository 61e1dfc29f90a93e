package filtering

import (
	"context"
	"strconv"
	"strings"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/posting"
)

// IsBlocked reports whether company or position contains, case-insensitively,
// any blacklisted term. It is always false when the blacklist is disabled.
func IsBlocked(company, position string, list config.Blacklist, enabled bool) bool {
	_, blocked := blockedBy(company, position, list, enabled)
	return blocked
}

func blockedBy(company, position string, list config.Blacklist, enabled bool) (string, bool) {
	if !enabled {
		return "", false
	}
	if term, ok := containsAny(company, list.Companies); ok {
		return "company matches blacklisted term " + strconv.Quote(term), true
	}
	if term, ok := containsAny(position, list.Positions); ok {
		return "position matches blacklisted term " + strconv.Quote(term), true
	}
	return "", false
}

func containsAny(s string, terms []string) (string, bool) {
	s = strings.ToLower(s)
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t != "" && strings.Contains(s, t) {
			return term, true
		}
	}
	return "", false
}

type blacklistFilter struct {
	toggle
	enabled bool
	list    config.Blacklist
}

// NewBlacklist creates a filter that drops postings by blacklisted companies and positions.
func NewBlacklist() Filter {
	return &blacklistFilter{}
}

func (f *blacklistFilter) Name() string { return "blacklist" }

func (f *blacklistFilter) Validate(cfg *config.Delivery) error {
	f.enabled = false
	f.list = config.Blacklist{}
	if cfg != nil {
		f.enabled = cfg.BlacklistEnabled
		f.list = cfg.Blacklist
	}
	return nil
}

func (f *blacklistFilter) Apply(_ context.Context, _ Deps, p *posting.Posting) (Verdict, error) {
	reason, blocked := blockedBy(p.Company, p.Title, f.list, f.enabled)
	return Verdict{Drop: blocked, Reason: reason}, nil
}

func (f *blacklistFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{
			"active":    strconv.FormatBool(f.enabled),
			"companies": strings.Join(f.list.Companies, ","),
			"positions": strings.Join(f.list.Positions, ","),
		},
	}
}
