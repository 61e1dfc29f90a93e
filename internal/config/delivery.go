package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/spigell/delivery-engine/internal/matching"
)

// ErrInvalid wraps every validation failure of a delivery configuration.
var ErrInvalid = errors.New("invalid delivery configuration")

// SalaryRange bounds the expected salary, in the platform's unit.
type SalaryRange struct {
	Min int `mapstructure:"min" json:"min"`
	Max int `mapstructure:"max" json:"max"`
}

// TimeWindow is a local time-of-day range in HH:MM form.
type TimeWindow struct {
	Start string `mapstructure:"start" json:"start"`
	End   string `mapstructure:"end" json:"end"`
}

// Blacklist holds company and position terms that block a posting.
type Blacklist struct {
	Companies []string `mapstructure:"companies" json:"companies"`
	Positions []string `mapstructure:"positions" json:"positions"`
}

// Delivery is the operator-owned configuration of one account. The scheduler
// works on copies, so a value never changes under a running attempt.
type Delivery struct {
	Keywords   []string    `mapstructure:"keywords" json:"keywords"`
	Cities     []string    `mapstructure:"cities" json:"cities"`
	Salary     SalaryRange `mapstructure:"salary" json:"salary"`
	Experience string      `mapstructure:"experience" json:"experience"`
	Education  string      `mapstructure:"education" json:"education"`
	Platform   string      `mapstructure:"platform" json:"platform"`

	MatchingMode       matching.Mode    `mapstructure:"matching-mode" json:"matchingMode"`
	MatchingSchemes    matching.Schemes `mapstructure:"matching-schemes" json:"matchingSchemes"`
	MatchThreshold     float64          `mapstructure:"match-threshold" json:"matchThreshold"`
	ShortKeywordLength int              `mapstructure:"short-keyword-length" json:"shortKeywordLength"`
	ComboDistance      int              `mapstructure:"combo-distance" json:"comboDistance"`

	FrequencyPerHour       int        `mapstructure:"frequency-per-hour" json:"frequencyPerHour"`
	MaxPerDay              int        `mapstructure:"max-per-day" json:"maxPerDay"`
	MinIntervalSeconds     int        `mapstructure:"min-interval-seconds" json:"minIntervalSeconds"`
	IntervalJitterPercent  int        `mapstructure:"interval-jitter-percent" json:"intervalJitterPercent"`
	FailureCooldownSeconds int        `mapstructure:"failure-cooldown-seconds" json:"failureCooldownSeconds"`
	ActiveWindow           TimeWindow `mapstructure:"active-window" json:"activeWindow"`

	Blacklist        Blacklist `mapstructure:"blacklist" json:"blacklist"`
	BlacklistEnabled bool      `mapstructure:"blacklist-enabled" json:"blacklistEnabled"`
	ExcludedRoles    []string  `mapstructure:"excluded-roles" json:"excludedRoles"`
	SkipApplied      bool      `mapstructure:"skip-applied" json:"skipApplied"`

	DefaultGreeting string `mapstructure:"default-greeting" json:"defaultGreeting"`
}

// Default returns the configuration new accounts start with. It has no
// keywords, so it does not validate until the operator sets some.
func Default() Delivery {
	schemes, _ := matching.Preset(matching.ModeStandard)
	return Delivery{
		Platform:               "boss",
		MatchingMode:           matching.ModeStandard,
		MatchingSchemes:        schemes,
		MatchThreshold:         0.7,
		ShortKeywordLength:     matching.DefaultShortKeywordLength,
		ComboDistance:          matching.DefaultComboDistance,
		FrequencyPerHour:       10,
		MaxPerDay:              100,
		MinIntervalSeconds:     300,
		FailureCooldownSeconds: 30,
		ActiveWindow:           TimeWindow{Start: "00:00", End: "00:00"},
		BlacklistEnabled:       true,
		SkipApplied:            true,
	}
}

// Validate checks the configuration. Errors wrap ErrInvalid.
func (d Delivery) Validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.Keywords,
			validation.Required.Error("at least one keyword is required"),
			validation.Each(validation.By(notBlank)),
		),
		validation.Field(&d.MatchingMode, validation.Required, validation.In(
			matching.ModeStrict, matching.ModeStandard, matching.ModeFlexible, matching.ModeCustom,
		)),
		validation.Field(&d.MatchThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&d.ShortKeywordLength, validation.Min(0)),
		validation.Field(&d.ComboDistance, validation.Min(0)),
		validation.Field(&d.FrequencyPerHour, validation.Required, validation.Min(1)),
		validation.Field(&d.MaxPerDay, validation.Required, validation.Min(1)),
		validation.Field(&d.MinIntervalSeconds, validation.Min(0)),
		validation.Field(&d.IntervalJitterPercent, validation.Min(0), validation.Max(100)),
		validation.Field(&d.FailureCooldownSeconds, validation.Min(0)),
		validation.Field(&d.ActiveWindow),
		validation.Field(&d.Salary),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if d.MatchingMode == matching.ModeCustom && !d.MatchingSchemes.Any() {
		return fmt.Errorf("%w: custom matching mode needs at least one scheme", ErrInvalid)
	}

	return nil
}

// Validate checks both ends parse as HH:MM.
func (w TimeWindow) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Start, validation.Required, validation.By(clock)),
		validation.Field(&w.End, validation.Required, validation.By(clock)),
	)
}

// Validate checks the range is ordered when an upper bound is set.
func (s SalaryRange) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Min, validation.Min(0)),
		validation.Field(&s.Max, validation.Min(0), validation.When(s.Max > 0, validation.Min(s.Min))),
	)
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

func clock(value interface{}) error {
	s, _ := value.(string)
	if _, err := parseClock(s); err != nil {
		return err
	}
	return nil
}

// Normalized trims list entries and drops blank ones.
func (d Delivery) Normalized() Delivery {
	d.Keywords = compact(d.Keywords)
	d.Cities = compact(d.Cities)
	d.Blacklist.Companies = compact(d.Blacklist.Companies)
	d.Blacklist.Positions = compact(d.Blacklist.Positions)
	d.ExcludedRoles = compact(d.ExcludedRoles)
	d.DefaultGreeting = strings.TrimSpace(d.DefaultGreeting)
	d.ActiveWindow.Start = strings.TrimSpace(d.ActiveWindow.Start)
	d.ActiveWindow.End = strings.TrimSpace(d.ActiveWindow.End)
	return d
}

func compact(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Reconcile resolves the matching mode of next against the previous value.
// Picking a new preset forces its flags. Otherwise changing any flag moves the
// mode to CUSTOM.
func Reconcile(prev, next Delivery) Delivery {
	sel := matching.Selection{Mode: next.MatchingMode, Schemes: next.MatchingSchemes}

	switch {
	case next.MatchingMode != prev.MatchingMode && next.MatchingMode.IsPreset():
		sel = sel.SelectMode(next.MatchingMode)
	case next.MatchingSchemes != prev.MatchingSchemes:
		sel.Mode = matching.ModeCustom
	case next.MatchingMode.IsPreset():
		sel = sel.SelectMode(next.MatchingMode)
	}

	next.MatchingMode = sel.Mode
	next.MatchingSchemes = sel.Schemes
	return next
}

// Engine builds the matching engine for this configuration.
func (d Delivery) Engine() *matching.Engine {
	return matching.New(matching.Options{
		Schemes:            d.MatchingSchemes,
		ShortKeywordLength: d.ShortKeywordLength,
		ComboDistance:      d.ComboDistance,
	})
}

func (d Delivery) MinInterval() time.Duration {
	return time.Duration(d.MinIntervalSeconds) * time.Second
}

func (d Delivery) FailureCooldown() time.Duration {
	return time.Duration(d.FailureCooldownSeconds) * time.Second
}
