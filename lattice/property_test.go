package lattice

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tollgate/types"
)

// genAdvisoryInput generates inputs whose matches are all advisory and whose
// metadata never names a destructive action.
func genAdvisoryInput() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(types.SeverityLow, types.SeverityMedium, types.SeverityHigh),
		gen.Int64Range(-10_000_000, 10_000_000),
		gen.Float64Range(0, 1),
		gen.SliceOfN(4, gen.Identifier()),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	).Map(func(vals []interface{}) types.DecisionInput {
		var matches []types.PolicyMatch
		for _, id := range vals[3].([]string) {
			matches = append(matches, types.NewPolicyMatch(id, types.AuthorityAdvisory))
		}
		return types.NewDecisionInput(types.DecisionInputSpec{
			ResourceID:    "res",
			Severity:      vals[0].(types.Severity),
			CostDelta:     decimal.NewFromInt(vals[1].(int64)),
			Confidence:    vals[2].(float64),
			PolicyMatches: matches,
			Metadata:      vals[4].(map[string]string),
		})
	})
}

// genAnyInput mixes blocking and advisory matches with required metadata
// that may or may not be satisfied.
func genAnyInput() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(types.SeverityLow, types.SeverityMedium, types.SeverityHigh),
		gen.Int64Range(-10_000_000, 10_000_000),
		gen.Float64Range(0, 1),
		gen.SliceOfN(5, gen.Identifier()),
		gen.SliceOfN(5, gen.Bool()),
		gen.MapOf(gen.OneConstOf("owner", "env", MetaAction, MetaIrreversible), gen.OneConstOf("", "x", "delete", "true")),
	).Map(func(vals []interface{}) types.DecisionInput {
		ids := vals[3].([]string)
		blocking := vals[4].([]bool)
		var matches []types.PolicyMatch
		for i, id := range ids {
			auth := types.AuthorityAdvisory
			if i < len(blocking) && blocking[i] {
				auth = types.AuthorityBlocking
			}
			var required []string
			if i%2 == 0 {
				required = []string{"owner"}
			}
			matches = append(matches, types.NewPolicyMatch(id, auth, required...))
		}
		return types.NewDecisionInput(types.DecisionInputSpec{
			ResourceID:    "res",
			Severity:      vals[0].(types.Severity),
			CostDelta:     decimal.NewFromInt(vals[1].(int64)),
			Confidence:    vals[2].(float64),
			PolicyMatches: matches,
			Metadata:      vals[5].(map[string]string),
		})
	})
}

func TestProperty_SoftSignalsNeverBlock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	c := New(withThreshold("1000"))

	properties.Property("no blocking match never yields Block", prop.ForAll(
		func(in types.DecisionInput) bool {
			return c.Classify(in).Kind() != types.KindBlock
		},
		genAdvisoryInput(),
	))

	properties.TestingRun(t)
}

func TestProperty_RepeatedClassifyIsIdentical(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	c := New(withThreshold("250000"))

	properties.Property("classify is byte-identical across 100 invocations", prop.ForAll(
		func(in types.DecisionInput) bool {
			first, err := types.Fingerprint(c.Classify(in))
			if err != nil {
				return false
			}
			for i := 0; i < 100; i++ {
				fp, err := types.Fingerprint(c.Classify(in))
				if err != nil || fp != first {
					return false
				}
			}
			return true
		},
		genAnyInput(),
	))

	properties.TestingRun(t)
}

func TestProperty_BlockOnlyFromBlockingOrSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	c := New(Thresholds{})

	properties.Property("Block names a blocking match or the safety invariant", prop.ForAll(
		func(in types.DecisionInput) bool {
			b, ok := c.Classify(in).(types.Block)
			if !ok {
				return true
			}
			if b.RuleID == types.SafetyInvariantRule {
				return true
			}
			for _, m := range in.PolicyMatches() {
				if m.RuleID == b.RuleID {
					return m.IsBlocking()
				}
			}
			return false
		},
		genAnyInput(),
	))

	properties.TestingRun(t)
}

// Fingerprints must not move with timezone, locale, scheduler width or GC.
func TestClassify_StableUnderEnvironmentVariation(t *testing.T) {
	c := New(withThreshold("999.99"))

	params := gopter.DefaultGenParameters()
	var inputs []types.DecisionInput
	g := genAnyInput()
	for i := 0; i < 300; i++ {
		res := g(params)
		v, ok := res.Retrieve()
		require.True(t, ok)
		inputs = append(inputs, v.(types.DecisionInput))
	}

	baseline := fingerprints(t, c, inputs, 1)

	origProcs := runtime.GOMAXPROCS(0)
	origLocal := time.Local
	defer func() {
		runtime.GOMAXPROCS(origProcs)
		time.Local = origLocal
	}()

	variations := []struct {
		tz      string
		locale  string
		procs   int
		workers int
	}{
		{"UTC", "C", 1, 1},
		{"America/Los_Angeles", "en_US.UTF-8", 2, 3},
		{"Asia/Kolkata", "de_DE.UTF-8", 4, 16},
		{"Pacific/Chatham", "tr_TR.UTF-8", 8, 64},
	}

	for _, v := range variations {
		t.Setenv("TZ", v.tz)
		t.Setenv("LC_ALL", v.locale)
		t.Setenv("LANG", v.locale)
		if loc, err := time.LoadLocation(v.tz); err == nil {
			time.Local = loc
		}
		runtime.GOMAXPROCS(v.procs)
		runtime.GC()

		got := fingerprints(t, c, inputs, v.workers)
		require.Equal(t, baseline, got, "variation %+v", v)
	}
}

func fingerprints(t *testing.T, c *Classifier, inputs []types.DecisionInput, workers int) []string {
	t.Helper()
	outcomes, err := c.ClassifyAll(context.Background(), inputs, workers)
	require.NoError(t, err)

	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		fp, err := types.Fingerprint(o)
		require.NoError(t, err)
		out[i] = fp
	}
	return out
}
