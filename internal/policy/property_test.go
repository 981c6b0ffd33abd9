package policy

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSurvivalProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("explicit survival overrides every level", prop.ForAll(
		func(level int, secs int64) bool {
			explicit := time.Duration(secs) * time.Second
			return ResolveSurvival(Level(level), explicit) == explicit &&
				EffectiveType(ForceNetwork, explicit) == CacheThenNetwork
		},
		gen.IntRange(1, 4),
		gen.Int64Range(1, 86400),
	))

	properties.Property("non-zero tiers carry the jitter", prop.ForAll(
		func(level int) bool {
			d := ResolveSurvival(Level(level), 0)
			return d == 0 || d%(5*time.Second) == 0 && d > Jitter
		},
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestDirectiveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("forced types ignore reachability", prop.ForAll(
		func(secs int64, reachable bool) bool {
			s := time.Duration(secs) * time.Second
			return SelectDirective(ForceCache, s, reachable) == DirectiveForceCache &&
				SelectDirective(ForceNetwork, s, reachable) == DirectiveForceNetwork
		},
		gen.Int64Range(0, 3600),
		gen.Bool(),
	))

	properties.Property("offline never goes to the network", prop.ForAll(
		func(typ int, secs int64) bool {
			d := SelectDirective(Type(typ), time.Duration(secs)*time.Second, false)
			return Type(typ) == ForceNetwork || d == DirectiveForceCache
		},
		gen.IntRange(1, 4),
		gen.Int64Range(0, 3600),
	))

	properties.Property("selector always returns a terminal directive", prop.ForAll(
		func(typ int, secs int64, reachable bool) bool {
			d := SelectDirective(Type(typ), time.Duration(secs)*time.Second, reachable)
			return d.Terminal() == d
		},
		gen.IntRange(1, 4),
		gen.Int64Range(0, 3600),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
