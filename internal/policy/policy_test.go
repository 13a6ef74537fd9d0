package policy_test

import (
	"math"
	"testing"
	"time"

	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/pkg/types"
)

func TestDecayFactorIdentities(t *testing.T) {
	halfLife := 90 * 24 * time.Hour

	if got := policy.DecayFactor(0, halfLife); got != 1.0 {
		t.Errorf("DecayFactor(0, H) = %f, want 1.0", got)
	}
	if got := policy.DecayFactor(-time.Hour, halfLife); got != 1.0 {
		t.Errorf("DecayFactor(negative, H) = %f, want 1.0", got)
	}
	if got := policy.DecayFactor(time.Hour, 0); got != 1.0 {
		t.Errorf("DecayFactor(age, 0) = %f, want 1.0", got)
	}
	if got := policy.DecayFactor(halfLife, halfLife); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("DecayFactor(H, H) = %f, want 0.5", got)
	}
	if got := policy.DecayFactor(2*halfLife, halfLife); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("DecayFactor(2H, H) = %f, want 0.25", got)
	}
}

func TestDecayFactorMonotonicallyNonIncreasing(t *testing.T) {
	halfLife := 30 * 24 * time.Hour
	prev := 1.1
	for age := time.Duration(0); age <= 365*24*time.Hour; age += 24 * time.Hour {
		got := policy.DecayFactor(age, halfLife)
		if got > prev {
			t.Fatalf("decay increased at age %v: %f > %f", age, got, prev)
		}
		prev = got
	}
}

// A decision memory at exactly one half-life of age with similarity 0.8
// and the default weight scores close to 0.4 on the decay component
// view: 0.5 decay * 0.8 base.
func TestDecayedBaseScoreExample(t *testing.T) {
	halfLife := 90 * 24 * time.Hour
	base := 0.8

	got := base * policy.DecayFactor(90*24*time.Hour, halfLife)

	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("decayed score = %f, want 0.4", got)
	}
}

func TestCombinedScoreStaysInUnitInterval(t *testing.T) {
	e := policy.NewEngine()
	now := time.Now()

	for _, sim := range []float64{0.0, 0.25, 0.5, 0.75, 1.0} {
		for _, weight := range []float64{0.0, 0.3, 0.8, 1.0} {
			for _, age := range []time.Duration{0, 24 * time.Hour, 365 * 24 * time.Hour} {
				got := e.CombinedScore(sim, now.Add(-age), types.CategoryDecision, weight, now)
				if got < 0.0 || got > 1.0 {
					t.Errorf("CombinedScore(sim=%f, w=%f, age=%v) = %f outside [0,1]",
						sim, weight, age, got)
				}
			}
		}
	}
}

func TestIsExpiredExplicitExpiryWins(t *testing.T) {
	e := policy.NewEngine()
	now := time.Now()
	created := now.Add(-time.Minute)

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	// Decision has no TTL, but an explicit expiry still applies.
	if !e.IsExpired(created, &past, now, types.CategoryDecision) {
		t.Error("expected expired with past explicit expiresAt")
	}
	if e.IsExpired(created, &future, now, types.CategoryDecision) {
		t.Error("expected not expired with future explicit expiresAt")
	}

	// Explicit future expiry overrides an elapsed category TTL.
	old := now.Add(-48 * time.Hour)
	if e.IsExpired(old, &future, now, types.CategorySession) {
		t.Error("explicit expiresAt should take precedence over category TTL")
	}
}

func TestIsExpiredFallsBackToCategoryTTL(t *testing.T) {
	e := policy.NewEngine()
	now := time.Now()

	if !e.IsExpired(now.Add(-25*time.Hour), nil, now, types.CategorySession) {
		t.Error("session older than 24h TTL should be expired")
	}
	if e.IsExpired(now.Add(-23*time.Hour), nil, now, types.CategorySession) {
		t.Error("session younger than 24h TTL should not be expired")
	}
	if e.IsExpired(now.Add(-1000*24*time.Hour), nil, now, types.CategoryDecision) {
		t.Error("decision has no TTL and should never expire implicitly")
	}
}

func TestExpiresAtOverrideWins(t *testing.T) {
	e := policy.NewEngine()
	now := time.Now()

	got := e.ExpiresAt(types.CategorySession, 30, now)
	if got == nil || !got.Equal(now.Add(30*time.Minute)) {
		t.Errorf("explicit 30m override ignored: %v", got)
	}

	got = e.ExpiresAt(types.CategorySession, 0, now)
	if got == nil || !got.Equal(now.Add(24*time.Hour)) {
		t.Errorf("session default TTL expected, got %v", got)
	}

	if got = e.ExpiresAt(types.CategoryStyle, 0, now); got != nil {
		t.Errorf("style has no TTL, expected nil expiry, got %v", got)
	}
}

func TestParseDurationSetting(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3600000", time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"30D", 30 * 24 * time.Hour, false},
		{" 24h ", 24 * time.Hour, false},
		{"", 0, true},
		{"-5", 0, true},
		{"0", 0, true},
		{"5m", 0, true},
		{"abc", 0, true},
		{"h", 0, true},
	}

	for _, tc := range cases {
		got, err := policy.ParseDurationSetting(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationSetting(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationSetting(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationSetting(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestOverridesFromSettingsIgnoresInvalid(t *testing.T) {
	overrides := policy.OverridesFromSettings(
		map[types.Category]string{
			types.CategorySession:  "12h",
			types.CategoryDecision: "not-a-duration",
		},
		map[types.Category]string{
			types.CategorySession: "90m", // invalid unit, ignored
		},
	)
	e := policy.NewEngineWithOverrides(overrides)

	session := e.For(types.CategorySession)
	if session.TTL != 12*time.Hour {
		t.Errorf("session TTL override not applied: %v", session.TTL)
	}
	if session.HalfLife != 6*time.Hour {
		t.Errorf("invalid half-life override should fall back to default, got %v", session.HalfLife)
	}

	decision := e.For(types.CategoryDecision)
	if decision.TTL != 0 {
		t.Errorf("invalid decision TTL override should be ignored, got %v", decision.TTL)
	}
}
