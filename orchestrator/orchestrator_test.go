//go:build unix

package orchestrator

import (
	"context"
	"errors"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/lock"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/storage"
	"github.com/yairfalse/tollgate/types"
	"github.com/yairfalse/tollgate/wal"
)

const testBundle = `version: 1
thresholds:
  warn_cost_delta: "500"
rules:
  - id: require-owner
    authority: blocking
    required_metadata: [owner]
  - id: public-bucket
    authority: advisory
rego:
  buckets.rego: |
    package tollgate
    matches contains {"rule_id": "public-bucket"} if input.change.public
  owners.rego: |
    package tollgate
    matches contains {"rule_id": "require-owner"} if input.change.unowned
`

type testEnv struct {
	orch       *Orchestrator
	store      *storage.BaselineStore
	journalDir string
	work       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state := t.TempDir()

	journalDir := filepath.Join(state, "journal")
	journal, err := wal.Open(journalDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	store, err := storage.OpenBaselineStore(state)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locks, err := lock.NewCoordinator(lock.Config{Dir: filepath.Join(state, "locks"), Timeout: 5 * time.Second})
	require.NoError(t, err)

	engine, err := patch.NewEngine(patch.Options{StateDir: state, Locks: locks, Journal: journal, Baselines: store})
	require.NoError(t, err)

	return &testEnv{
		orch:       NewOrchestrator(journal, engine, store),
		store:      store,
		journalDir: journalDir,
		work:       t.TempDir(),
	}
}

func (env *testEnv) entries(t *testing.T, typ wal.EntryType) []*wal.Entry {
	t.Helper()
	var out []*wal.Entry
	require.NoError(t, wal.Replay(env.journalDir, time.Time{}, func(e *wal.Entry) error {
		if e.Type == typ {
			out = append(out, e)
		}
		return nil
	}))
	return out
}

func decision(id string, sev types.Severity, matches []types.PolicyMatch, meta map[string]string, change string) Decision {
	d := Decision{Input: types.NewDecisionInput(types.DecisionInputSpec{
		ResourceID:    id,
		Severity:      sev,
		CostDelta:     decimal.NewFromInt(10),
		Confidence:    0.9,
		PolicyMatches: matches,
		Metadata:      meta,
	})}
	if change != "" {
		d.Change = []byte(change)
	}
	return d
}

func evalRequest(decisions ...Decision) EvalRequest {
	return EvalRequest{
		Bundle:       []byte(testBundle),
		BundleSHA256: "sha256:" + types.ContentHash([]byte(testBundle)),
		Decisions:    decisions,
	}
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t)
	owner := []types.PolicyMatch{types.NewPolicyMatch("require-owner", types.AuthorityBlocking, "owner")}

	verdicts, err := env.orch.Evaluate(context.Background(), evalRequest(
		decision("aws_instance.web", types.SeverityLow, owner, map[string]string{"owner": "team-web"}, ""),
		decision("aws_s3_bucket.logs", types.SeverityLow, nil, nil, `{"public": true}`),
		decision("aws_s3_bucket.private", types.SeverityLow, nil, nil, `{"public": false}`),
		decision("aws_instance.orphan", types.SeverityLow, owner, nil, ""),
	))
	require.NoError(t, err)
	require.Len(t, verdicts, 4)

	assert.Equal(t, types.Block{RuleID: "require-owner"}, verdicts[0].Outcome)
	assert.Equal(t, types.Warn{Reason: "advisory:public-bucket"}, verdicts[1].Outcome)
	assert.Equal(t, types.Allow{}, verdicts[2].Outcome)
	assert.Equal(t, types.KindHardStop, verdicts[3].Outcome.Kind())
	assert.Equal(t, types.ClassMissingMetadata, verdicts[3].Outcome.(types.HardStop).ErrorClass)

	digest := types.ContentHash([]byte(testBundle))
	for _, v := range verdicts {
		assert.Equal(t, digest, v.BundleDigest)
		fp, err := types.Fingerprint(v.Outcome)
		require.NoError(t, err)
		assert.Equal(t, fp, v.Fingerprint)
	}

	assert.Len(t, env.entries(t, wal.EntryDecided), 3)
	assert.Len(t, env.entries(t, wal.EntryHardStop), 1)
	assert.Equal(t, types.KindHardStop, Severest(verdicts))
}

func TestEvaluate_TamperedBundleHardStopsEverything(t *testing.T) {
	env := newTestEnv(t)
	req := evalRequest(
		decision("a", types.SeverityLow, nil, nil, ""),
		decision("b", types.SeverityHigh, nil, nil, ""),
	)
	req.Bundle = append([]byte(nil), req.Bundle...)
	req.Bundle[10] ^= 0x01

	verdicts, err := env.orch.Evaluate(context.Background(), req)
	require.NoError(t, err)
	for _, v := range verdicts {
		hs, ok := v.Outcome.(types.HardStop)
		require.True(t, ok, "got %v", v.Outcome)
		assert.Equal(t, types.ClassIntegrityError, hs.ErrorClass)
		assert.Empty(t, v.BundleDigest)
	}
	assert.Len(t, env.entries(t, wal.EntryHardStop), 2)
	assert.Empty(t, env.entries(t, wal.EntryDecided))
}

func TestEvaluate_BundleAuthorityOverridesCaller(t *testing.T) {
	env := newTestEnv(t)
	advisory := []types.PolicyMatch{types.NewPolicyMatch("require-owner", types.AuthorityAdvisory)}

	verdicts, err := env.orch.Evaluate(context.Background(), evalRequest(
		decision("aws_instance.owned", types.SeverityLow, advisory, map[string]string{"owner": "team-web"}, `{"unowned": true}`),
		decision("aws_instance.bare", types.SeverityLow, advisory, nil, `{"unowned": true}`),
		decision("aws_instance.quiet", types.SeverityLow, advisory, nil, `{"unowned": false}`),
	))
	require.NoError(t, err)
	require.Len(t, verdicts, 3)

	assert.Equal(t, types.Block{RuleID: "require-owner"}, verdicts[0].Outcome)
	hs, ok := verdicts[1].Outcome.(types.HardStop)
	require.True(t, ok, "got %v", verdicts[1].Outcome)
	assert.Equal(t, types.ClassMissingMetadata, hs.ErrorClass)
	assert.Equal(t, types.Warn{Reason: "advisory:require-owner"}, verdicts[2].Outcome)
}

func TestEvaluate_MalformedChangeIsHardStop(t *testing.T) {
	env := newTestEnv(t)
	verdicts, err := env.orch.Evaluate(context.Background(), evalRequest(
		decision("a", types.SeverityLow, nil, nil, `{"public": `),
	))
	require.NoError(t, err)
	assert.Equal(t, types.ClassMalformedInput, verdicts[0].Outcome.(types.HardStop).ErrorClass)
}

func TestEvaluate_IsReproducible(t *testing.T) {
	env := newTestEnv(t)
	var decisions []Decision
	for i := 0; i < 20; i++ {
		sev := []types.Severity{types.SeverityLow, types.SeverityMedium, types.SeverityHigh}[i%3]
		decisions = append(decisions, decision("r"+strconv.Itoa(i), sev, nil, nil, `{"public": `+strconv.FormatBool(i%2 == 0)+`}`))
	}

	first, err := env.orch.WithWorkers(1).Evaluate(context.Background(), evalRequest(decisions...))
	require.NoError(t, err)

	for _, workers := range []int{2, 8, 32} {
		again, err := env.orch.WithWorkers(workers).Evaluate(context.Background(), evalRequest(decisions...))
		require.NoError(t, err)
		for i := range first {
			assert.Equal(t, first[i].Fingerprint, again[i].Fingerprint, "decision %d with %d workers", i, workers)
		}
	}
}

func TestVerdict_JSONRoundTrip(t *testing.T) {
	v := Verdict{ResourceID: "r", Outcome: types.Block{RuleID: "x"}, Fingerprint: "fp", BundleDigest: "d"}
	data, err := v.MarshalJSON()
	require.NoError(t, err)

	var back Verdict
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, v, back)
}

func (env *testEnv) target(t *testing.T, name, content string) (string, types.PatchSet) {
	t.Helper()
	path := filepath.Join(env.work, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := env.store.Record(path, types.ContentHash([]byte(content)), "manual")
	require.NoError(t, err)
	return path, types.PatchSet{
		TargetFile: path,
		Operations: []types.PatchOp{
			{Kind: types.OpReplace, Location: types.Location{Line: 1}, Old: []byte("x = 1"), New: []byte("x = 2")},
		},
	}
}

var allow = []Verdict{{ResourceID: "r", Outcome: types.Allow{}}}

func TestFix_AppliesAndRecordsNewBaseline(t *testing.T) {
	env := newTestEnv(t)
	path, set := env.target(t, "main.tf", "x = 1\n")

	res, err := env.orch.Fix(context.Background(), FixRequest{TxID: "tx-1", Verdicts: allow, PatchSets: []types.PatchSet{set}})
	require.NoError(t, err)
	require.NotNil(t, res.Applied)
	assert.Equal(t, "tx-1", res.Applied.TxID)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "x = 2\n", string(data))

	b, err := env.store.Get(path)
	require.NoError(t, err)
	assert.Equal(t, types.ContentHash([]byte("x = 2\n")), b.Hash)
	assert.Equal(t, "commit", b.Source)
}

func TestFix_RefusesBlockingVerdicts(t *testing.T) {
	env := newTestEnv(t)
	path, set := env.target(t, "main.tf", "x = 1\n")

	for _, outcome := range []types.Outcome{
		types.Block{RuleID: "require-owner"},
		types.HardStop{ErrorClass: types.ClassIntegrityError, Detail: "bad pin"},
	} {
		_, err := env.orch.Fix(context.Background(), FixRequest{
			Verdicts:  []Verdict{{ResourceID: "r", Outcome: outcome}},
			PatchSets: []types.PatchSet{set},
		})
		assert.ErrorIs(t, err, ErrNotFixable)
	}

	_, err := env.orch.Fix(context.Background(), FixRequest{PatchSets: []types.PatchSet{set}})
	assert.ErrorIs(t, err, ErrNotFixable)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "x = 1\n", string(data))
}

func TestFix_DriftRefusedUnlessForced(t *testing.T) {
	env := newTestEnv(t)
	path, set := env.target(t, "main.tf", "x = 1\nname = \"a\"\n")
	require.NoError(t, os.WriteFile(path, []byte("x = 1\nname = \"b\"\n"), 0o644))

	res, err := env.orch.Fix(context.Background(), FixRequest{Verdicts: allow, PatchSets: []types.PatchSet{set}})
	require.ErrorIs(t, err, drift.ErrDrifted)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), "re-run with updated baseline")
	require.Len(t, res.Drift, 1)
	assert.True(t, res.Drift[0].Drifted())

	data, _ := os.ReadFile(path)
	assert.Equal(t, "x = 1\nname = \"b\"\n", string(data))

	res, err = env.orch.Fix(context.Background(), FixRequest{TxID: "tx-forced", Verdicts: allow, PatchSets: []types.PatchSet{set}, Force: true})
	require.NoError(t, err)
	require.Len(t, res.Overrides, 1)

	data, _ = os.ReadFile(path)
	assert.Equal(t, "x = 2\nname = \"b\"\n", string(data))

	overrides := env.entries(t, wal.EntryDriftOverride)
	require.Len(t, overrides, 1)
	assert.Equal(t, "tx-forced", overrides[0].TxID)
	assert.Equal(t, path, overrides[0].ResourceID)
}

func TestFix_AlreadyAppliedIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	path, set := env.target(t, "main.tf", "x = 1\n")
	require.NoError(t, os.WriteFile(path, []byte("x = 2\n"), 0o644))

	res, err := env.orch.Fix(context.Background(), FixRequest{Verdicts: allow, PatchSets: []types.PatchSet{set}})
	require.NoError(t, err)
	assert.True(t, res.Applied.NoOp)
}

func TestFix_ReapplyIsNoOp(t *testing.T) {
	for _, pinned := range []bool{false, true} {
		t.Run("pinned="+strconv.FormatBool(pinned), func(t *testing.T) {
			env := newTestEnv(t)
			grow, growSet := env.target(t, "size.tf", "size = 1\n")
			growSet.Operations = []types.PatchOp{
				{Kind: types.OpReplace, Location: types.Location{Line: 1}, Old: []byte("size = 1"), New: []byte("size = 10")},
			}
			dup, dupSet := env.target(t, "tags.tf", "tag = 1\ntag = 1\n")
			dupSet.Operations = []types.PatchOp{
				{Kind: types.OpDelete, Location: types.Location{Line: 1}, Old: []byte("tag = 1\n")},
			}
			if pinned {
				growSet.BaselineHash = types.ContentHash([]byte("size = 1\n"))
				dupSet.BaselineHash = types.ContentHash([]byte("tag = 1\ntag = 1\n"))
			}
			sets := []types.PatchSet{growSet, dupSet}

			res, err := env.orch.Fix(context.Background(), FixRequest{Verdicts: allow, PatchSets: sets})
			require.NoError(t, err)
			assert.False(t, res.Applied.NoOp)

			res, err = env.orch.Fix(context.Background(), FixRequest{Verdicts: allow, PatchSets: sets})
			require.NoError(t, err)
			assert.True(t, res.Applied.NoOp)
			assert.Empty(t, res.Overrides)
			assert.Empty(t, env.entries(t, wal.EntryDriftOverride))

			data, _ := os.ReadFile(grow)
			assert.Equal(t, "size = 10\n", string(data))
			data, _ = os.ReadFile(dup)
			assert.Equal(t, "tag = 1\n", string(data))
		})
	}
}

func TestFix_ConcurrentRunsOnOneFile(t *testing.T) {
	env := newTestEnv(t)
	path, first := env.target(t, "main.tf", "x = 1\n")
	second := first
	second.Operations = []types.PatchOp{
		{Kind: types.OpReplace, Location: types.Location{Line: 1}, Old: []byte("x = 1"), New: []byte("x = 3")},
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, set := range []types.PatchSet{first, second} {
		wg.Add(1)
		go func(i int, set types.PatchSet) {
			defer wg.Done()
			_, errs[i] = env.orch.Fix(context.Background(), FixRequest{Verdicts: allow, PatchSets: []types.PatchSet{set}})
		}(i, set)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		var txErr *patch.TxError
		if errors.As(err, &txErr) {
			assert.Equal(t, patch.ReasonConcurrentModification, txErr.Reason)
		} else {
			assert.ErrorIs(t, err, drift.ErrDrifted)
		}
	}
	assert.Equal(t, 1, failed, "exactly one run must see the other's change")

	data, _ := os.ReadFile(path)
	assert.Contains(t, []string{"x = 2\n", "x = 3\n"}, string(data))
}

func TestSeverest(t *testing.T) {
	assert.Equal(t, types.KindAllow, Severest(nil))
	assert.Equal(t, types.KindWarn, Severest([]Verdict{{Outcome: types.Allow{}}, {Outcome: types.Warn{Reason: "x"}}}))
	assert.Equal(t, types.KindBlock, Severest([]Verdict{{Outcome: types.Block{RuleID: "x"}}, {Outcome: types.Warn{Reason: "x"}}}))
}

func TestPackageHasNoTierDependency(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)

	fset := token.NewFileSet()
	for _, f := range files {
		if strings.HasSuffix(f, "_test.go") {
			continue
		}
		parsed, err := parser.ParseFile(fset, f, nil, parser.ImportsOnly)
		require.NoError(t, err)
		for _, imp := range parsed.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			assert.NotContains(t, path, "tollgate/render", "%s imports %s", f, path)
		}
	}
}
