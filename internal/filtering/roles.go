package filtering

import (
	"context"
	"strings"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/posting"
)

type unrelatedRolesFilter struct {
	toggle
	roles []string
}

// NewUnrelatedRoles creates a filter that drops titles naming a role the
// operator never wants, such as 厨师 or 司机.
func NewUnrelatedRoles() Filter {
	return &unrelatedRolesFilter{}
}

func (f *unrelatedRolesFilter) Name() string { return "unrelated_roles" }

func (f *unrelatedRolesFilter) Validate(cfg *config.Delivery) error {
	f.roles = nil
	if cfg != nil {
		f.roles = append(f.roles, cfg.ExcludedRoles...)
	}
	return nil
}

func (f *unrelatedRolesFilter) Apply(_ context.Context, _ Deps, p *posting.Posting) (Verdict, error) {
	if role, ok := containsAny(p.Title, f.roles); ok {
		return Verdict{Drop: true, Reason: "title names unrelated role " + role}, nil
	}
	return Verdict{}, nil
}

func (f *unrelatedRolesFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{"roles": strings.Join(f.roles, ",")},
	}
}
