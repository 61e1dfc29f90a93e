package matching

import (
	"strings"
	"unicode"
)

const (
	ScorePrefix     = 1.0
	ScoreRoleSuffix = 0.8
	ScoreWholeWord  = 0.7
	ScoreSplit      = 0.6
	ScoreShortCombo = 0.6

	// DefaultShortKeywordLength is the longest keyword, in runes, treated as short.
	DefaultShortKeywordLength = 2
	// DefaultComboDistance is how many runes may separate a short keyword from a role noun.
	DefaultComboDistance = 2
)

// DefaultRoleNouns are the job-title suffixes recognised by the role-aware schemes.
var DefaultRoleNouns = []string{
	"总监", "经理", "主管", "负责人", "专员", "助理",
	"专家", "工程师", "运营", "营销", "推广", "策划",
}

// Options configures an Engine.
type Options struct {
	Schemes Schemes
	// ShortKeywordLength splits keywords into short (<=) and long (>) ones.
	// Non-positive values use DefaultShortKeywordLength.
	ShortKeywordLength int
	// ComboDistance bounds the gap used by the short-keyword scheme.
	// Negative values use DefaultComboDistance.
	ComboDistance int
	// RoleNouns overrides DefaultRoleNouns when not empty.
	RoleNouns []string
}

// Match is the best result found for a title.
type Match struct {
	Score   float64
	Keyword string
	Scheme  int
}

// Matched reports whether any scheme hit.
func (m Match) Matched() bool { return m.Score > 0 }

// Qualifies applies the threshold on top of the scheme result. A title no
// scheme matched never qualifies, even with a zero threshold.
func (m Match) Qualifies(threshold float64) bool {
	return m.Matched() && m.Score >= threshold
}

// Engine scores titles against keywords. It is safe for concurrent use.
type Engine struct {
	schemes   Schemes
	shortLen  int
	distance  int
	roleNouns [][]rune
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	e := &Engine{
		schemes:  opts.Schemes,
		shortLen: opts.ShortKeywordLength,
		distance: opts.ComboDistance,
	}
	if e.shortLen <= 0 {
		e.shortLen = DefaultShortKeywordLength
	}
	if e.distance < 0 {
		e.distance = DefaultComboDistance
	}

	nouns := opts.RoleNouns
	if len(nouns) == 0 {
		nouns = DefaultRoleNouns
	}
	for _, n := range nouns {
		n = Normalize(n)
		if n != "" {
			e.roleNouns = append(e.roleNouns, []rune(n))
		}
	}

	return e
}

// Normalize lower-cases s and collapses whitespace runs into single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Score returns the best match of title across keywords. An empty keyword list
// never matches.
func (e *Engine) Score(title string, keywords []string) Match {
	t := []rune(Normalize(title))
	if len(t) == 0 {
		return Match{}
	}

	var best Match
	for _, raw := range keywords {
		kw := []rune(Normalize(raw))
		if len(kw) == 0 {
			continue
		}

		scheme, score := e.scoreKeyword(t, kw)
		if score > best.Score {
			best = Match{Score: score, Keyword: raw, Scheme: scheme}
		}
		if best.Score == ScorePrefix {
			break
		}
	}

	return best
}

// scoreKeyword walks the schemes from the strongest down and returns the first hit.
func (e *Engine) scoreKeyword(title, kw []rune) (int, float64) {
	if e.schemes.Prefix && hasPrefix(title, kw) {
		return 1, ScorePrefix
	}
	if e.schemes.RoleSuffix && e.followedByRole(title, kw) {
		return 2, ScoreRoleSuffix
	}
	if e.schemes.WholeWord && wholeWord(title, kw) {
		return 3, ScoreWholeWord
	}
	if e.schemes.Split && len(kw) > e.shortLen && e.splitInOrder(title, kw) {
		return 4, ScoreSplit
	}
	if e.schemes.ShortCombo && len(kw) <= e.shortLen && e.nearRole(title, kw) {
		return 5, ScoreShortCombo
	}
	return 0, 0
}

func (e *Engine) followedByRole(title, kw []rune) bool {
	for _, at := range indexAll(title, kw) {
		rest := title[at+len(kw):]
		if len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
		}
		for _, role := range e.roleNouns {
			if hasPrefix(rest, role) {
				return true
			}
		}
	}
	return false
}

func wholeWord(title, kw []rune) bool {
	for _, at := range indexAll(title, kw) {
		end := at + len(kw)
		if (at == 0 || isBoundary(title[at-1])) && (end == len(title) || isBoundary(title[end])) {
			return true
		}
	}
	return false
}

// splitInOrder cuts kw where a role noun starts, keeping a lead of at least two
// runes, and looks for lead then trail in the title.
func (e *Engine) splitInOrder(title, kw []rune) bool {
	for cut := 2; cut < len(kw); cut++ {
		trail := kw[cut:]
		if !e.startsWithRole(trail) {
			continue
		}
		lead := kw[:cut]
		for _, at := range indexAll(title, lead) {
			if index(title[at+len(lead):], trail) >= 0 {
				return true
			}
		}
	}
	return false
}

func (e *Engine) startsWithRole(s []rune) bool {
	for _, role := range e.roleNouns {
		if hasPrefix(s, role) {
			return true
		}
	}
	return false
}

// nearRole reports whether a role noun starts within distance runes after kw
// or ends within distance runes before it.
func (e *Engine) nearRole(title, kw []rune) bool {
	for _, at := range indexAll(title, kw) {
		end := at + len(kw)
		for _, role := range e.roleNouns {
			for _, r := range indexAll(title, role) {
				if r >= end && r-end <= e.distance {
					return true
				}
				if roleEnd := r + len(role); roleEnd <= at && at-roleEnd <= e.distance {
					return true
				}
			}
		}
	}
	return false
}

func isBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func hasPrefix(s, prefix []rune) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}

func index(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if hasPrefix(s[i:], sub) {
			return i
		}
	}
	return -1
}

func indexAll(s, sub []rune) []int {
	var out []int
	if len(sub) == 0 {
		return out
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if hasPrefix(s[i:], sub) {
			out = append(out, i)
		}
	}
	return out
}
