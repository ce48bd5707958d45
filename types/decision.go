package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Severity is an advisory signal attached to a resource change
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity accepts any casing and surrounding whitespace
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Authority determines whether a policy match can block a change
type Authority string

const (
	AuthorityAdvisory Authority = "advisory"
	AuthorityBlocking Authority = "blocking"
)

// ParseAuthority accepts any casing and surrounding whitespace
func ParseAuthority(s string) (Authority, error) {
	a := Authority(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown authority %q", s)
	}
	return a, nil
}

// Valid reports whether a is one of the known authorities
func (a Authority) Valid() bool {
	return a == AuthorityAdvisory || a == AuthorityBlocking
}

// PolicyMatch is a rule that matched the evaluated change
type PolicyMatch struct {
	RuleID           string    `json:"rule_id" yaml:"rule_id"`
	Authority        Authority `json:"authority" yaml:"authority"`
	RequiredMetadata []string  `json:"required_metadata,omitempty" yaml:"required_metadata,omitempty"`
}

// NewPolicyMatch builds a match with a sorted, de-duplicated metadata set
func NewPolicyMatch(ruleID string, authority Authority, required ...string) PolicyMatch {
	return PolicyMatch{
		RuleID:           ruleID,
		Authority:        authority,
		RequiredMetadata: normalizeKeys(required),
	}
}

// IsBlocking reports whether the match carries blocking authority
func (m PolicyMatch) IsBlocking() bool {
	return m.Authority == AuthorityBlocking
}

func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecisionInputSpec is the mutable form used to construct a DecisionInput
type DecisionInputSpec struct {
	ResourceID    string            `json:"resource_id"`
	Severity      Severity          `json:"severity"`
	CostDelta     decimal.Decimal   `json:"cost_delta"`
	Confidence    float64           `json:"confidence"`
	PolicyMatches []PolicyMatch     `json:"policy_matches,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DecisionInput is the normalized, immutable description of one resource change.
// All accessors return copies; nothing reachable from a DecisionInput can be
// mutated after construction.
type DecisionInput struct {
	resourceID string
	severity   Severity
	costDelta  decimal.Decimal
	confidence float64
	matches    []PolicyMatch
	metadata   map[string]string
}

// NewDecisionInput deep-copies spec into an immutable DecisionInput
func NewDecisionInput(spec DecisionInputSpec) DecisionInput {
	in := DecisionInput{
		resourceID: spec.ResourceID,
		severity:   spec.Severity,
		costDelta:  spec.CostDelta,
		confidence: spec.Confidence,
	}

	if len(spec.PolicyMatches) > 0 {
		in.matches = make([]PolicyMatch, len(spec.PolicyMatches))
		for i, m := range spec.PolicyMatches {
			in.matches[i] = NewPolicyMatch(m.RuleID, m.Authority, m.RequiredMetadata...)
		}
	}

	if len(spec.Metadata) > 0 {
		in.metadata = make(map[string]string, len(spec.Metadata))
		for k, v := range spec.Metadata {
			in.metadata[k] = v
		}
	}

	return in
}

func (d DecisionInput) ResourceID() string         { return d.resourceID }
func (d DecisionInput) Severity() Severity         { return d.severity }
func (d DecisionInput) CostDelta() decimal.Decimal { return d.costDelta }
func (d DecisionInput) Confidence() float64        { return d.confidence }

// PolicyMatches returns a copy of the matches in input order
func (d DecisionInput) PolicyMatches() []PolicyMatch {
	out := make([]PolicyMatch, len(d.matches))
	for i, m := range d.matches {
		out[i] = m
		out[i].RequiredMetadata = append([]string(nil), m.RequiredMetadata...)
	}
	return out
}

// MetadataValue looks up a single metadata key
func (d DecisionInput) MetadataValue(key string) (string, bool) {
	v, ok := d.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata map
func (d DecisionInput) Metadata() map[string]string {
	out := make(map[string]string, len(d.metadata))
	for k, v := range d.metadata {
		out[k] = v
	}
	return out
}

// Spec returns a mutable copy suitable for deriving a new input
func (d DecisionInput) Spec() DecisionInputSpec {
	return DecisionInputSpec{
		ResourceID:    d.resourceID,
		Severity:      d.severity,
		CostDelta:     d.costDelta,
		Confidence:    d.confidence,
		PolicyMatches: d.PolicyMatches(),
		Metadata:      d.Metadata(),
	}
}

// WithPolicyMatches returns a new input with extra matches appended.
// An extra match for a rule already present is merged into it.
func (d DecisionInput) WithPolicyMatches(extra []PolicyMatch) DecisionInput {
	spec := d.Spec()
	spec.PolicyMatches = MergePolicyMatches(append(spec.PolicyMatches, extra...))
	return NewDecisionInput(spec)
}

// MergePolicyMatches folds matches sharing a rule ID into one entry at the
// position of the first occurrence. Blocking authority wins over advisory,
// an unknown authority is kept so validation still sees it, and the required
// metadata sets are unioned.
func MergePolicyMatches(matches []PolicyMatch) []PolicyMatch {
	index := make(map[string]int, len(matches))
	out := make([]PolicyMatch, 0, len(matches))
	for _, m := range matches {
		i, ok := index[m.RuleID]
		if !ok {
			index[m.RuleID] = len(out)
			out = append(out, NewPolicyMatch(m.RuleID, m.Authority, m.RequiredMetadata...))
			continue
		}
		switch {
		case !out[i].Authority.Valid():
		case m.IsBlocking(), !m.Authority.Valid():
			out[i].Authority = m.Authority
		}
		keys := append(append([]string(nil), out[i].RequiredMetadata...), m.RequiredMetadata...)
		out[i].RequiredMetadata = normalizeKeys(keys)
	}
	return out
}

func (d DecisionInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Spec())
}

func (d *DecisionInput) UnmarshalJSON(data []byte) error {
	var spec DecisionInputSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	*d = NewDecisionInput(spec)
	return nil
}
