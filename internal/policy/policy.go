package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level picks a cached response lifetime tier.
type Level int

const (
	LevelFirst Level = iota + 1
	LevelSecond
	LevelThird
	LevelFourth
)

// Jitter is added to every non-zero tier.
const Jitter = 5 * time.Second

var levelBase = map[Level]time.Duration{
	LevelFirst:  0,
	LevelSecond: 15 * time.Second,
	LevelThird:  30 * time.Second,
	LevelFourth: 60 * time.Second,
}

func (l Level) Valid() bool {
	_, ok := levelBase[l]
	return ok
}

// Survival returns the tier lifetime including jitter.
func (l Level) Survival() time.Duration {
	base := levelBase[l]
	if base == 0 {
		return 0
	}
	return base + Jitter
}

func (l Level) String() string {
	switch l {
	case LevelFirst:
		return "first"
	case LevelSecond:
		return "second"
	case LevelThird:
		return "third"
	case LevelFourth:
		return "fourth"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first", "1":
		return LevelFirst, nil
	case "second", "2":
		return LevelSecond, nil
	case "third", "3":
		return LevelThird, nil
	case "fourth", "4":
		return LevelFourth, nil
	}
	return 0, fmt.Errorf("unknown cache level %q", s)
}

// Type is the caller's cache strategy.
type Type int

const (
	ForceNetwork Type = iota + 1
	ForceCache
	NetworkThenCache
	CacheThenNetwork
)

func (t Type) Valid() bool {
	return t >= ForceNetwork && t <= CacheThenNetwork
}

func (t Type) String() string {
	switch t {
	case ForceNetwork:
		return "force_network"
	case ForceCache:
		return "force_cache"
	case NetworkThenCache:
		return "network_then_cache"
	case CacheThenNetwork:
		return "cache_then_network"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s))) {
	case "force_network":
		return ForceNetwork, nil
	case "force_cache":
		return ForceCache, nil
	case "network_then_cache":
		return NetworkThenCache, nil
	case "cache_then_network":
		return CacheThenNetwork, nil
	}
	return 0, fmt.Errorf("unknown cache type %q", s)
}

// Directive is what a single request is told to do.
type Directive int

const (
	DirectiveForceNetwork Directive = iota + 1
	DirectiveForceCache
	DirectivePreferNetwork
	DirectivePreferCache
)

// Terminal collapses the preference directives onto the forced ones the
// cache engine understands.
func (d Directive) Terminal() Directive {
	switch d {
	case DirectivePreferNetwork:
		return DirectiveForceNetwork
	case DirectivePreferCache:
		return DirectiveForceCache
	}
	return d
}

func (d Directive) String() string {
	switch d {
	case DirectiveForceNetwork:
		return "force-network"
	case DirectiveForceCache:
		return "force-cache"
	case DirectivePreferNetwork:
		return "prefer-network"
	case DirectivePreferCache:
		return "prefer-cache"
	}
	return fmt.Sprintf("directive(%d)", int(d))
}

// ResolveSurvival returns explicit when it is non-zero, the level's tier
// otherwise.
func ResolveSurvival(level Level, explicit time.Duration) time.Duration {
	if explicit != 0 {
		return explicit
	}
	return level.Survival()
}

// EffectiveType applies the rule that an explicit positive survival always
// means cache-then-network.
func EffectiveType(t Type, explicit time.Duration) Type {
	if explicit > 0 {
		return CacheThenNetwork
	}
	return t
}

func SelectDirective(t Type, survival time.Duration, reachable bool) Directive {
	switch t {
	case ForceCache:
		return DirectiveForceCache
	case ForceNetwork:
		return DirectiveForceNetwork
	case CacheThenNetwork:
		if survival > 0 {
			return DirectiveForceCache
		}
	}
	if reachable {
		return DirectiveForceNetwork
	}
	return DirectiveForceCache
}

// Override replaces the client-wide type and survival for one call. Zero
// fields keep the client values.
type Override struct {
	Type     Type
	Survival time.Duration
	// NoStore keeps the response out of the cache.
	NoStore bool
}

func (o Override) IsZero() bool { return o.Type == 0 && o.Survival == 0 && !o.NoStore }

// Apply resolves the override against the client values.
func (o Override) Apply(t Type, survival time.Duration) (Type, time.Duration) {
	if o.Type != 0 {
		t = o.Type
	}
	if o.Survival > 0 {
		survival = o.Survival
		t = CacheThenNetwork
	}
	return t, survival
}

type overrideKey struct{}

func WithOverride(ctx context.Context, o Override) context.Context {
	if o.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, overrideKey{}, o)
}

func OverrideFrom(ctx context.Context) (Override, bool) {
	o, ok := ctx.Value(overrideKey{}).(Override)
	return o, ok
}
