package decay

import (
	"math"
	"testing"
	"time"
)

func TestStrength_Formula(t *testing.T) {
	p := DefaultParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 10 days, short tier, no access: 1.0 * e^(-0.15*10/1) = e^-1.5
	got := p.Strength(1.0, now.Add(-10*24*time.Hour), now, 0, TierShort)
	want := math.Exp(-1.5)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("short tier: expected %f, got %f", want, got)
	}

	// 10 days, long tier, 3 accesses: damp = 1 + 0.5*ln(4)
	got = p.Strength(0.8, now.Add(-10*24*time.Hour), now, 3, TierLong)
	want = 0.8 * math.Exp(-0.02*10/(1+0.5*math.Log(4)))
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("long tier: expected %f, got %f", want, got)
	}
}

func TestStrength_NoElapsedTime(t *testing.T) {
	p := DefaultParams()
	now := time.Now()
	if got := p.Strength(0.6, now, now, 0, TierShort); got != 0.6 {
		t.Errorf("expected unchanged strength, got %f", got)
	}
	// a last-access timestamp in the future never increases strength
	if got := p.Strength(0.6, now.Add(time.Hour), now, 0, TierShort); got != 0.6 {
		t.Errorf("expected unchanged strength for future access, got %f", got)
	}
	if got := p.Strength(0.6, time.Time{}, now, 0, TierShort); got != 0.6 {
		t.Errorf("expected unchanged strength for zero time, got %f", got)
	}
}

func TestStrength_Monotonicity(t *testing.T) {
	p := DefaultParams()
	now := time.Now()
	for _, s := range []float64{0, 0.1, 0.5, 0.99, 1} {
		for _, tier := range []Tier{TierShort, TierLong} {
			prev := math.Inf(1)
			for days := 0; days <= 365; days += 5 {
				got := p.Strength(s, now.Add(-time.Duration(days)*24*time.Hour), now, 2, tier)
				if got > prev {
					t.Fatalf("strength increased with elapsed time: s=%v tier=%v days=%d", s, tier, days)
				}
				if got < 0 || got > 1 {
					t.Fatalf("strength out of range: %v", got)
				}
				prev = got
			}
		}
	}
}

func TestStrength_DampeningByAccess(t *testing.T) {
	p := DefaultParams()
	now := time.Now()
	last := now.Add(-30 * 24 * time.Hour)
	prev := -1.0
	for access := 0; access <= 50; access++ {
		got := p.Strength(0.9, last, now, access, TierShort)
		if got < prev {
			t.Fatalf("strength decreased as access grew: access=%d", access)
		}
		prev = got
	}
}

func TestShortDecaysFasterThanLong(t *testing.T) {
	p := DefaultParams()
	now := time.Now()
	last := now.Add(-7 * 24 * time.Hour)
	if p.Strength(1, last, now, 0, TierShort) >= p.Strength(1, last, now, 0, TierLong) {
		t.Error("expected short tier to decay faster")
	}
}

func TestClamp(t *testing.T) {
	cases := map[float64]float64{-0.5: 0, 0: 0, 0.4: 0.4, 1: 1, 1.6: 1, math.NaN(): 0}
	for in, want := range cases {
		if got := Clamp(in); got != want {
			t.Errorf("Clamp(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestShouldForget(t *testing.T) {
	p := DefaultParams()
	if !p.ShouldForget(0.0999) {
		t.Error("expected 0.0999 to be forgotten")
	}
	if p.ShouldForget(0.1) {
		t.Error("threshold itself is kept")
	}
}

func TestShouldPromote(t *testing.T) {
	p := DefaultParams()
	tests := []struct {
		name   string
		tier   Tier
		access int
		s      float64
		want   bool
	}{
		{"meets both", TierShort, 3, 0.7, true},
		{"low access", TierShort, 2, 0.9, false},
		{"weak", TierShort, 10, 0.69, false},
		{"already long", TierLong, 10, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldPromote(tt.tier, tt.access, tt.s); got != tt.want {
				t.Errorf("ShouldPromote = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	p := DefaultParams()
	now := time.Now()

	out := p.Evaluate(0.11, now.Add(-48*time.Hour), now, 0, TierShort)
	if !out.Forget || out.Promote {
		t.Errorf("expected forget only, got %+v", out)
	}

	out = p.Evaluate(1.0, now.Add(-time.Hour), now, 5, TierShort)
	if out.Forget || !out.Promote {
		t.Errorf("expected promotion, got %+v", out)
	}
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"short": TierShort, "sml": TierShort, "LONG": TierLong, "lml": TierLong} {
		got, ok := ParseTier(in)
		if !ok || got != want {
			t.Errorf("ParseTier(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseTier("medium"); ok {
		t.Error("expected medium to be rejected")
	}
}
