package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tollgate/bundle"
	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/integrity"
	"github.com/yairfalse/tollgate/lattice"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/policy"
	"github.com/yairfalse/tollgate/storage"
	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/types"
	"github.com/yairfalse/tollgate/wal"
)

// Orchestrator runs integrity → match → classify, and drift → patch
type Orchestrator struct {
	journal   *wal.WAL
	engine    *patch.Engine
	baselines storage.Baselines
	workers   int
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewOrchestrator creates a new orchestrator. engine and baselines may be
// nil for evaluate-only use.
func NewOrchestrator(journal *wal.WAL, engine *patch.Engine, baselines storage.Baselines) *Orchestrator {
	return &Orchestrator{
		journal:   journal,
		engine:    engine,
		baselines: baselines,
		workers:   4,
		logger:    telemetry.NewLogger("orchestrator"),
		metrics:   telemetry.DefaultMetrics(),
	}
}

// WithWorkers sets how many decisions are classified in parallel
func (o *Orchestrator) WithWorkers(n int) *Orchestrator {
	if n > 0 {
		o.workers = n
	}
	return o
}

type prepared struct {
	bundle     *bundle.Bundle
	matcher    *policy.Matcher
	classifier *lattice.Classifier
}

// Evaluate verifies the bundle and classifies every decision. A bundle that
// fails verification turns every decision into a HardStop; nothing is
// classified without integrity. The error is reserved for journal failures.
func (o *Orchestrator) Evaluate(ctx context.Context, req EvalRequest) ([]Verdict, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "orchestrator.Evaluate",
		trace.WithAttributes(attribute.Int("decisions", len(req.Decisions))))
	defer span.End()

	outcomes := make([]types.Outcome, len(req.Decisions))
	digest := ""

	p, err := o.prepare(ctx, req.Bundle, req.BundleSHA256)
	if err != nil {
		stop := hardStopFrom(err, types.ClassIntegrityError)
		for i := range outcomes {
			outcomes[i] = stop
		}
	} else {
		digest = p.bundle.Digest
		if err := o.classify(ctx, p, req.Decisions, outcomes); err != nil {
			return nil, err
		}
	}

	verdicts := make([]Verdict, len(req.Decisions))
	for i, d := range req.Decisions {
		fp, err := types.Fingerprint(outcomes[i])
		if err != nil {
			return nil, fmt.Errorf("fingerprinting outcome for %s: %w", d.Input.ResourceID(), err)
		}
		verdicts[i] = Verdict{
			ResourceID:   d.Input.ResourceID(),
			Outcome:      outcomes[i],
			Fingerprint:  fp,
			BundleDigest: digest,
		}
		if err := o.record(ctx, verdicts[i]); err != nil {
			return nil, err
		}
	}
	return verdicts, nil
}

func (o *Orchestrator) prepare(ctx context.Context, payload []byte, pin string) (*prepared, error) {
	trusted, err := integrity.Verify(payload, pin)
	if err != nil {
		return nil, err
	}
	b, err := bundle.Parse(trusted)
	if err != nil {
		return nil, err
	}
	m, err := policy.NewMatcher(ctx, b)
	if err != nil {
		return nil, err
	}
	return &prepared{
		bundle:  b,
		matcher: m,
		classifier: lattice.New(lattice.Thresholds{
			WarnCostDelta:      b.WarnCostDelta,
			DestructiveActions: b.DestructiveActions,
		}),
	}, nil
}

// classify enriches inputs with Rego matches, then runs the lattice over
// every input that is still undecided
func (o *Orchestrator) classify(ctx context.Context, p *prepared, decisions []Decision, outcomes []types.Outcome) error {
	var pending []types.DecisionInput
	var slots []int

	for i, d := range decisions {
		matches, err := p.matcher.Match(ctx, policy.Input{
			ResourceID: d.Input.ResourceID(),
			Severity:   d.Input.Severity(),
			Metadata:   d.Input.Metadata(),
			Change:     d.Change,
		})
		if err != nil {
			outcomes[i] = hardStopFrom(err, types.ClassMalformedInput)
			continue
		}
		pending = append(pending, d.Input.WithPolicyMatches(matches))
		slots = append(slots, i)
	}

	classified, err := p.classifier.ClassifyAll(ctx, pending, o.workers)
	if err != nil {
		return err
	}
	for j, out := range classified {
		outcomes[slots[j]] = out
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, v Verdict) error {
	kind := v.Outcome.Kind()
	o.metrics.RecordDecision(ctx, string(kind))

	entry := wal.EntryDecided
	if kind == types.KindHardStop {
		entry = wal.EntryHardStop
	}
	if err := o.journal.Append(entry, "", v.ResourceID, v); err != nil {
		return fmt.Errorf("failed to journal verdict for %s: %w", v.ResourceID, err)
	}

	o.logger.WithContext(ctx).Info().
		Str("resource_id", v.ResourceID).
		Str("outcome", v.Outcome.String()).
		Str("fingerprint", v.Fingerprint).
		Str("bundle", v.BundleDigest).
		Msg("decision")
	return nil
}

// hardStopFrom maps a failure before classification onto a HardStop,
// using class when err does not carry one
func hardStopFrom(err error, class types.ErrorClass) types.HardStop {
	var hs *types.HardStopError
	if errors.As(err, &hs) {
		return hs.Outcome()
	}
	return types.HardStop{ErrorClass: class, Detail: err.Error()}
}

// fixable reports whether an outcome permits applying a fix
type fixable struct{}

func (fixable) VisitAllow(types.Allow) error { return nil }
func (fixable) VisitWarn(types.Warn) error   { return nil }
func (fixable) VisitBlock(b types.Block) error {
	return fmt.Errorf("%w: blocked by rule %s", ErrNotFixable, b.RuleID)
}
func (fixable) VisitHardStop(h types.HardStop) error {
	return fmt.Errorf("%w: hard stop (%s): %s", ErrNotFixable, h.ErrorClass, h.Detail)
}

// Fix applies req.PatchSets as one transaction after checking every verdict
// allows it and every target still matches its baseline. A drifted target
// is refused unless req.Force is set; a forced override is journaled.
func (o *Orchestrator) Fix(ctx context.Context, req FixRequest) (*FixResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "orchestrator.Fix",
		trace.WithAttributes(attribute.Int("patch_sets", len(req.PatchSets))))
	defer span.End()

	if o.engine == nil {
		return nil, errors.New("no patch engine configured")
	}
	if len(req.Verdicts) == 0 {
		return nil, fmt.Errorf("%w: no verdict given", ErrNotFixable)
	}
	for _, v := range req.Verdicts {
		if err := types.MatchOutcome[error](v.Outcome, fixable{}); err != nil {
			return nil, fmt.Errorf("%s: %w", v.ResourceID, err)
		}
	}

	result := &FixResult{}
	sets := make([]types.PatchSet, len(req.PatchSets))
	copy(sets, req.PatchSets)

	for i := range sets {
		set := &sets[i]
		recorded := o.baselineFor(*set)
		if recorded == "" {
			// the engine rejects it with missing_baseline
			continue
		}
		set.BaselineHash = recorded

		res, err := drift.CheckDrift(set.TargetFile, recorded)
		if err != nil {
			return nil, err
		}
		o.metrics.RecordDriftCheck(ctx, string(res.Status))
		result.Drift = append(result.Drift, res)

		if !res.Drifted() || o.engine.IsApplied(*set) {
			continue
		}
		if err := drift.Guard(res, req.Force); err != nil {
			return result, err
		}

		o.logger.LogDriftOverride(ctx, res.File, res.Recorded, res.Current)
		if err := o.journal.Append(wal.EntryDriftOverride, req.TxID, res.File, res); err != nil {
			return result, fmt.Errorf("failed to journal drift override for %s: %w", res.File, err)
		}
		o.metrics.RecordDriftCheck(ctx, "overridden")
		result.Overrides = append(result.Overrides, res)
		set.BaselineHash = res.Current
	}

	applied, err := o.engine.Apply(ctx, req.TxID, sets)
	if err != nil {
		return result, err
	}
	result.Applied = applied

	o.recordBaselines(ctx, applied)
	return result, nil
}

func (o *Orchestrator) baselineFor(set types.PatchSet) string {
	if set.BaselineHash != "" {
		return set.BaselineHash
	}
	if o.baselines == nil {
		return ""
	}
	b, err := o.baselines.Get(set.TargetFile)
	if err != nil {
		return ""
	}
	return b.Hash
}

// recordBaselines makes the committed content the new baseline
func (o *Orchestrator) recordBaselines(ctx context.Context, applied *patch.Applied) {
	if o.baselines == nil || applied == nil {
		return
	}
	for _, f := range applied.Files {
		if !f.Changed {
			continue
		}
		if _, err := o.baselines.Record(f.Path, f.After, "commit"); err != nil {
			o.logger.LogStorageError(ctx, "record_baseline", err)
		}
	}
}

// Severest returns the most severe outcome kind in verdicts
func Severest(verdicts []Verdict) types.OutcomeKind {
	worst := types.KindAllow
	for _, v := range verdicts {
		if rank(v.Outcome.Kind()) > rank(worst) {
			worst = v.Outcome.Kind()
		}
	}
	return worst
}

func rank(k types.OutcomeKind) int {
	switch k {
	case types.KindWarn:
		return 1
	case types.KindBlock:
		return 2
	case types.KindHardStop:
		return 3
	}
	return 0
}
