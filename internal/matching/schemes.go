package matching

import (
	"fmt"
	"strings"
)

// Mode names a scheme selection. Presets map to fixed scheme sets; CUSTOM keeps
// whatever flags the operator picked.
type Mode string

const (
	ModeStrict   Mode = "STRICT"
	ModeStandard Mode = "STANDARD"
	ModeFlexible Mode = "FLEXIBLE"
	ModeCustom   Mode = "CUSTOM"
)

// Modes lists every accepted mode.
var Modes = []Mode{ModeStrict, ModeStandard, ModeFlexible, ModeCustom}

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown matching mode %q", s)
}

// IsPreset reports whether the mode has a fixed scheme set.
func (m Mode) IsPreset() bool {
	_, ok := Preset(m)
	return ok
}

// Schemes toggles the five title matching heuristics.
type Schemes struct {
	Prefix     bool `mapstructure:"scheme1" json:"scheme1"`
	RoleSuffix bool `mapstructure:"scheme2" json:"scheme2"`
	WholeWord  bool `mapstructure:"scheme3" json:"scheme3"`
	Split      bool `mapstructure:"scheme4" json:"scheme4"`
	ShortCombo bool `mapstructure:"scheme5" json:"scheme5"`
}

// Preset returns the scheme set for a preset mode. CUSTOM and unknown modes
// return false.
func Preset(m Mode) (Schemes, bool) {
	switch m {
	case ModeStrict:
		return Schemes{Prefix: true}, true
	case ModeStandard:
		return Schemes{Prefix: true, RoleSuffix: true, WholeWord: true}, true
	case ModeFlexible:
		return Schemes{Prefix: true, RoleSuffix: true, WholeWord: true, Split: true, ShortCombo: true}, true
	default:
		return Schemes{}, false
	}
}

// Any reports whether at least one scheme is enabled.
func (s Schemes) Any() bool {
	return s.Prefix || s.RoleSuffix || s.WholeWord || s.Split || s.ShortCombo
}

// Enabled reports whether scheme n (1..5) is on.
func (s Schemes) Enabled(n int) bool {
	switch n {
	case 1:
		return s.Prefix
	case 2:
		return s.RoleSuffix
	case 3:
		return s.WholeWord
	case 4:
		return s.Split
	case 5:
		return s.ShortCombo
	default:
		return false
	}
}

// With returns a copy with scheme n set to on.
func (s Schemes) With(n int, on bool) (Schemes, error) {
	switch n {
	case 1:
		s.Prefix = on
	case 2:
		s.RoleSuffix = on
	case 3:
		s.WholeWord = on
	case 4:
		s.Split = on
	case 5:
		s.ShortCombo = on
	default:
		return s, fmt.Errorf("unknown matching scheme %d", n)
	}
	return s, nil
}

// Selection is the pair of mode and flags an operator controls.
type Selection struct {
	Mode    Mode    `mapstructure:"mode" json:"mode"`
	Schemes Schemes `mapstructure:"schemes" json:"schemes"`
}

// SelectMode switches to mode. Presets replace the flags with their fixed set.
func (s Selection) SelectMode(m Mode) Selection {
	s.Mode = m
	if preset, ok := Preset(m); ok {
		s.Schemes = preset
	}
	return s
}

// Toggle flips a single scheme flag and moves the selection to CUSTOM.
func (s Selection) Toggle(n int, on bool) (Selection, error) {
	schemes, err := s.Schemes.With(n, on)
	if err != nil {
		return s, err
	}
	return Selection{Mode: ModeCustom, Schemes: schemes}, nil
}
