// Package lattice classifies a DecisionInput into exactly one Outcome.
//
// Classification is a pure function of the input and the thresholds the
// Classifier was built with. It reads no clock, environment, or randomness,
// and it has no notion of license tier.
package lattice

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/yairfalse/tollgate/types"
)

// Metadata keys read by the safety invariant
const (
	MetaAction       = "change.action"
	MetaIrreversible = "change.irreversible"
)

// DefaultDestructiveActions are used when Thresholds leaves the set empty
var DefaultDestructiveActions = []string{"delete", "destroy", "replace"}

// Thresholds tune the advisory and safety steps
type Thresholds struct {
	// WarnCostDelta warns when cost_delta is strictly greater. Null disables it.
	WarnCostDelta      decimal.NullDecimal
	DestructiveActions []string
}

// Classifier applies the decision lattice
type Classifier struct {
	warnCost    decimal.NullDecimal
	destructive map[string]struct{}
}

// New builds a Classifier from thresholds
func New(th Thresholds) *Classifier {
	actions := th.DestructiveActions
	if len(actions) == 0 {
		actions = DefaultDestructiveActions
	}
	c := &Classifier{
		warnCost:    th.WarnCostDelta,
		destructive: make(map[string]struct{}, len(actions)),
	}
	for _, a := range actions {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			c.destructive[a] = struct{}{}
		}
	}
	return c
}

// Classify returns the single Outcome for in. Steps run in a fixed order
// and the first one that decides wins:
//
//	malformed input           -> HardStop{malformed_input}
//	missing required metadata -> HardStop{missing_metadata}
//	blocking match            -> Block{rule_id}
//	destructive irreversible  -> Block{safety_invariant}
//	advisory signals          -> Warn{reason}
//	otherwise                 -> Allow
func (c *Classifier) Classify(in types.DecisionInput) types.Outcome {
	if detail, bad := malformed(in); bad {
		return types.HardStop{ErrorClass: types.ClassMalformedInput, Detail: detail}
	}

	matches := types.MergePolicyMatches(in.PolicyMatches())

	for _, m := range matches {
		for _, key := range m.RequiredMetadata {
			if problem := metadataProblem(in, key); problem != "" {
				return types.HardStop{
					ErrorClass: types.ClassMissingMetadata,
					Detail:     fmt.Sprintf("rule %s requires metadata %q: %s", m.RuleID, key, problem),
				}
			}
		}
	}

	for _, m := range matches {
		if m.IsBlocking() {
			return types.Block{RuleID: m.RuleID}
		}
	}

	if c.violatesSafety(in) {
		return types.Block{RuleID: types.SafetyInvariantRule}
	}

	if reason := c.warnReason(in, matches); reason != "" {
		return types.Warn{Reason: reason}
	}

	return types.Allow{}
}

func malformed(in types.DecisionInput) (string, bool) {
	if strings.TrimSpace(in.ResourceID()) == "" {
		return "resource_id is empty", true
	}
	if !in.Severity().Valid() {
		return fmt.Sprintf("unknown severity %q", in.Severity()), true
	}
	conf := in.Confidence()
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return fmt.Sprintf("confidence %v outside [0,1]", conf), true
	}
	for i, m := range in.PolicyMatches() {
		if m.RuleID == "" {
			return fmt.Sprintf("policy match %d has no rule_id", i), true
		}
		if !m.Authority.Valid() {
			return fmt.Sprintf("rule %s has unknown authority %q", m.RuleID, m.Authority), true
		}
	}
	return "", false
}

func metadataProblem(in types.DecisionInput, key string) string {
	v, ok := in.MetadataValue(key)
	switch {
	case !ok:
		return "absent"
	case strings.TrimSpace(v) == "":
		return "empty"
	case !utf8.ValidString(v):
		return "not valid UTF-8"
	case strings.IndexFunc(v, unicode.IsControl) >= 0:
		return "contains control characters"
	}
	return ""
}

func (c *Classifier) violatesSafety(in types.DecisionInput) bool {
	action, _ := in.MetadataValue(MetaAction)
	if _, ok := c.destructive[strings.ToLower(strings.TrimSpace(action))]; !ok {
		return false
	}
	irreversible, _ := in.MetadataValue(MetaIrreversible)
	return strings.EqualFold(strings.TrimSpace(irreversible), "true")
}

func (c *Classifier) warnReason(in types.DecisionInput, matches []types.PolicyMatch) string {
	var parts []string

	var advisory []string
	for _, m := range matches {
		if m.Authority == types.AuthorityAdvisory {
			advisory = append(advisory, m.RuleID)
		}
	}
	if len(advisory) > 0 {
		parts = append(parts, "advisory:"+strings.Join(advisory, ","))
	}

	if in.Severity() == types.SeverityHigh {
		parts = append(parts, "severity:high")
	}

	if c.warnCost.Valid && in.CostDelta().GreaterThan(c.warnCost.Decimal) {
		parts = append(parts, fmt.Sprintf("cost_delta:%s>%s", in.CostDelta().String(), c.warnCost.Decimal.String()))
	}

	return strings.Join(parts, ";")
}
