package greeting

import (
	_ "embed"
	"strings"

	"github.com/spigell/delivery-engine/internal/posting"
)

//go:embed prompt.md
var promptTemplate string

// buildPrompt fills the embedded template with posting and candidate data.
func buildPrompt(p *posting.Posting, candidate string) string {
	if p == nil {
		p = &posting.Posting{}
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		candidate = "(not provided)"
	}
	return strings.NewReplacer(
		"{{TITLE}}", p.Title,
		"{{COMPANY}}", p.Company,
		"{{CITY}}", p.City,
		"{{SALARY}}", p.Salary,
		"{{CANDIDATE}}", candidate,
	).Replace(promptTemplate)
}
