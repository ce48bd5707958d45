package orchestrator

import (
	"encoding/json"
	"errors"

	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/types"
)

// ErrNotFixable is returned by Fix when a verdict forbids changing anything
var ErrNotFixable = errors.New("verdict does not allow a fix")

// Decision is one change to evaluate: the normalized input plus the raw
// change document the bundle's Rego modules inspect
type Decision struct {
	Input  types.DecisionInput `json:"input"`
	Change json.RawMessage     `json:"change,omitempty"`
}

// EvalRequest evaluates a batch of decisions against one bundle
type EvalRequest struct {
	Bundle       []byte
	BundleSHA256 string
	Decisions    []Decision
}

// Verdict is the outcome for one decision. It carries nothing that
// depends on who asked or how it will be shown.
type Verdict struct {
	ResourceID   string
	Outcome      types.Outcome
	Fingerprint  string
	BundleDigest string
}

type verdictWire struct {
	ResourceID   string          `json:"resource_id"`
	Outcome      json.RawMessage `json:"outcome"`
	Fingerprint  string          `json:"fingerprint"`
	BundleDigest string          `json:"bundle_digest,omitempty"`
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	outcome, err := types.EncodeOutcome(v.Outcome)
	if err != nil {
		return nil, err
	}
	return json.Marshal(verdictWire{
		ResourceID:   v.ResourceID,
		Outcome:      outcome,
		Fingerprint:  v.Fingerprint,
		BundleDigest: v.BundleDigest,
	})
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var w verdictWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	outcome, err := types.DecodeOutcome(w.Outcome)
	if err != nil {
		return err
	}
	*v = Verdict{
		ResourceID:   w.ResourceID,
		Outcome:      outcome,
		Fingerprint:  w.Fingerprint,
		BundleDigest: w.BundleDigest,
	}
	return nil
}

// FixRequest applies patch sets for changes whose verdicts allow it
type FixRequest struct {
	TxID      string
	Verdicts  []Verdict
	PatchSets []types.PatchSet
	Force     bool
}

// FixResult reports the drift checks made and the transaction outcome
type FixResult struct {
	Applied   *patch.Applied `json:"applied,omitempty"`
	Drift     []drift.Result `json:"drift,omitempty"`
	Overrides []drift.Result `json:"overrides,omitempty"`
}
