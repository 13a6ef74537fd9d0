// Package policy implements retention and relevance policies for memories.
// All functions are pure; the engine does no I/O.
package policy

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/muselabs/mnemo/pkg/types"
)

const (
	// DefaultSimilarityWeight is the weight given to semantic similarity
	// in CombinedScore; the remainder goes to age decay.
	DefaultSimilarityWeight = 0.8
)

// Policy is the retention configuration for one category.
// A zero TTL means the category never expires on its own; a zero
// HalfLife means relevance never decays.
type Policy struct {
	TTL      time.Duration `yaml:"ttl"`
	HalfLife time.Duration `yaml:"half_life"`
}

// Defaults returns the built-in policy for a category:
//
//	decision:   no TTL, 90 day half-life
//	style:      no TTL, 180 day half-life
//	preference: no TTL, 365 day half-life
//	session:    24 hour TTL, 6 hour half-life
func Defaults(c types.Category) Policy {
	switch c {
	case types.CategoryDecision:
		return Policy{HalfLife: 90 * 24 * time.Hour}
	case types.CategoryStyle:
		return Policy{HalfLife: 180 * 24 * time.Hour}
	case types.CategoryPreference:
		return Policy{HalfLife: 365 * 24 * time.Hour}
	case types.CategorySession:
		return Policy{TTL: 24 * time.Hour, HalfLife: 6 * time.Hour}
	default:
		return Policy{}
	}
}

// Engine resolves per-category policies, applying configured overrides
// on top of the built-in defaults.
type Engine struct {
	overrides map[types.Category]Policy
}

// NewEngine returns an Engine with no overrides.
func NewEngine() *Engine {
	return &Engine{overrides: make(map[types.Category]Policy)}
}

// NewEngineWithOverrides returns an Engine that applies the given
// per-category overrides. A zero field in an override falls through to
// the default for that category.
func NewEngineWithOverrides(overrides map[types.Category]Policy) *Engine {
	if overrides == nil {
		overrides = make(map[types.Category]Policy)
	}
	return &Engine{overrides: overrides}
}

// For returns the effective policy for a category.
func (e *Engine) For(c types.Category) Policy {
	p := Defaults(c)
	if o, ok := e.overrides[c]; ok {
		if o.TTL > 0 {
			p.TTL = o.TTL
		}
		if o.HalfLife > 0 {
			p.HalfLife = o.HalfLife
		}
	}
	return p
}

// IsExpired reports whether a memory created at createdAt is expired at
// now. An explicit expiresAt takes precedence over the category TTL;
// with neither, the memory never expires.
func (e *Engine) IsExpired(createdAt time.Time, expiresAt *time.Time, now time.Time, c types.Category) bool {
	if expiresAt != nil {
		return !now.Before(*expiresAt)
	}
	p := e.For(c)
	if p.TTL <= 0 {
		return false
	}
	return now.Sub(createdAt) >= p.TTL
}

// DecayFactor returns the exponential half-life decay 0.5^(age/halfLife).
// It returns 1.0 when age <= 0 or halfLife <= 0.
func DecayFactor(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1.0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// CombinedScore blends semantic similarity with age decay:
//
//	similarity*weight + DecayFactor(now-createdAt, halfLife)*(1-weight)
//
// This is the policy-level relevance score used for retention-style
// ranking. Read-time result ranking uses a deliberately different
// linear recency curve (see the engine package); the two curves serve
// different purposes and must not be unified.
func (e *Engine) CombinedScore(similarity float64, createdAt time.Time, c types.Category, weight float64, now time.Time) float64 {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	decay := DecayFactor(now.Sub(createdAt), e.For(c).HalfLife)
	return similarity*weight + decay*(1-weight)
}

// ExpiresAt computes the absolute expiry for a new memory. An explicit
// ttlMinutes override wins; otherwise the category TTL applies; with
// neither, it returns nil (no expiry).
func (e *Engine) ExpiresAt(c types.Category, ttlMinutes int, now time.Time) *time.Time {
	if ttlMinutes > 0 {
		t := now.Add(time.Duration(ttlMinutes) * time.Minute)
		return &t
	}
	p := e.For(c)
	if p.TTL <= 0 {
		return nil
	}
	t := now.Add(p.TTL)
	return &t
}

// ParseDurationSetting parses a named duration override. Accepted
// forms: a bare integer (milliseconds), "Nh" (hours) or "Nd" (days).
func ParseDurationSetting(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("policy: empty duration")
	}

	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("policy: duration must be positive, got %q", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	unit := v[len(v)-1]
	n, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("policy: invalid duration %q", value)
	}
	switch unit {
	case 'h', 'H':
		return time.Duration(n) * time.Hour, nil
	case 'd', 'D':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("policy: invalid duration unit in %q", value)
	}
}

// OverridesFromSettings builds a policy override map from named string
// settings, one TTL and one half-life entry per category. Invalid
// values are logged and ignored so a bad setting can never disable a
// category's default retention.
func OverridesFromSettings(ttls, halfLives map[types.Category]string) map[types.Category]Policy {
	overrides := make(map[types.Category]Policy)

	apply := func(c types.Category, raw string, set func(*Policy, time.Duration), kind string) {
		if raw == "" {
			return
		}
		d, err := ParseDurationSetting(raw)
		if err != nil {
			log.Printf("policy: ignoring invalid %s override for %s: %v", kind, c, err)
			return
		}
		p := overrides[c]
		set(&p, d)
		overrides[c] = p
	}

	for c, raw := range ttls {
		apply(c, raw, func(p *Policy, d time.Duration) { p.TTL = d }, "ttl")
	}
	for c, raw := range halfLives {
		apply(c, raw, func(p *Policy, d time.Duration) { p.HalfLife = d }, "half-life")
	}

	return overrides
}
