package matching

import "testing"

func TestPresets(t *testing.T) {
	tests := []struct {
		mode   Mode
		expect Schemes
	}{
		{mode: ModeStrict, expect: Schemes{Prefix: true}},
		{mode: ModeStandard, expect: Schemes{Prefix: true, RoleSuffix: true, WholeWord: true}},
		{mode: ModeFlexible, expect: Schemes{Prefix: true, RoleSuffix: true, WholeWord: true, Split: true, ShortCombo: true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			sel := Selection{Mode: ModeCustom, Schemes: Schemes{ShortCombo: true}}.SelectMode(tt.mode)
			if sel.Mode != tt.mode {
				t.Fatalf("expected mode %s, got %s", tt.mode, sel.Mode)
			}
			if sel.Schemes != tt.expect {
				t.Fatalf("expected %+v, got %+v", tt.expect, sel.Schemes)
			}
		})
	}

	if _, ok := Preset(ModeCustom); ok {
		t.Fatalf("custom mode must not have a preset")
	}
}

func TestSelectCustomKeepsFlags(t *testing.T) {
	flags := Schemes{WholeWord: true}
	sel := Selection{Mode: ModeStrict, Schemes: flags}.SelectMode(ModeCustom)
	if sel.Schemes != flags {
		t.Fatalf("custom selection must keep flags, got %+v", sel.Schemes)
	}
}

func TestToggleMovesToCustom(t *testing.T) {
	sel := Selection{}.SelectMode(ModeStandard)

	toggled, err := sel.Toggle(4, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toggled.Mode != ModeCustom {
		t.Fatalf("expected CUSTOM, got %s", toggled.Mode)
	}
	if !toggled.Schemes.Split || !toggled.Schemes.Prefix {
		t.Fatalf("unexpected flags: %+v", toggled.Schemes)
	}

	if _, err := sel.Toggle(6, true); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" flexible "); err != nil || m != ModeFlexible {
		t.Fatalf("expected FLEXIBLE, got %q (%v)", m, err)
	}
	if _, err := ParseMode("loose"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
