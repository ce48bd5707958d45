// Package bundle parses the verified policy bundle: rule declarations,
// warn thresholds, destructive actions and optional Rego modules.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tollgate/integrity"
	"github.com/yairfalse/tollgate/types"
)

// SupportedVersion is the only bundle schema version understood
const SupportedVersion = 1

// DefaultDestructiveActions apply when the bundle does not declare its own
var DefaultDestructiveActions = []string{"delete", "destroy", "replace"}

// Rule declares a policy rule and the authority it carries
type Rule struct {
	ID               string          `yaml:"id"`
	Authority        types.Authority `yaml:"authority"`
	RequiredMetadata []string        `yaml:"required_metadata,omitempty"`
	Description      string          `yaml:"description,omitempty"`
}

type document struct {
	Version    int `yaml:"version"`
	Thresholds struct {
		WarnCostDelta string `yaml:"warn_cost_delta"`
	} `yaml:"thresholds"`
	Safety struct {
		DestructiveActions []string `yaml:"destructive_actions"`
	} `yaml:"safety"`
	Rules []Rule            `yaml:"rules"`
	Rego  map[string]string `yaml:"rego"`
}

// Bundle is a parsed, verified policy bundle
type Bundle struct {
	Version            int
	Digest             string
	WarnCostDelta      decimal.NullDecimal
	DestructiveActions []string
	Rules              []Rule
	Rego               map[string]string

	byID map[string]int
}

// Parse decodes a verified payload. A payload that verified but does not
// parse is still treated as corrupt policy data.
func Parse(t integrity.Trusted) (*Bundle, error) {
	if !t.Valid() {
		return nil, types.NewHardStop(types.ClassIntegrityError, "bundle payload was not verified", nil)
	}

	b, err := decode(t.Bytes())
	if err != nil {
		return nil, types.NewHardStop(types.ClassIntegrityError,
			fmt.Sprintf("bundle %s is corrupt", t.Digest()), err)
	}
	b.Digest = t.Digest()
	return b, nil
}

func decode(data []byte) (*Bundle, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("bundle is empty")
		}
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}

	if doc.Version != SupportedVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", doc.Version)
	}

	b := &Bundle{
		Version: doc.Version,
		Rego:    doc.Rego,
		byID:    make(map[string]int, len(doc.Rules)),
	}

	if s := strings.TrimSpace(doc.Thresholds.WarnCostDelta); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid thresholds.warn_cost_delta %q: %w", s, err)
		}
		b.WarnCostDelta = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	b.DestructiveActions = DefaultDestructiveActions
	if len(doc.Safety.DestructiveActions) > 0 {
		b.DestructiveActions = nil
		for _, a := range doc.Safety.DestructiveActions {
			b.DestructiveActions = append(b.DestructiveActions, strings.ToLower(strings.TrimSpace(a)))
		}
		sort.Strings(b.DestructiveActions)
	}

	for i, r := range doc.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if _, dup := b.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %s", r.ID)
		}
		auth, err := types.ParseAuthority(string(r.Authority))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Authority = auth
		b.byID[r.ID] = len(b.Rules)
		b.Rules = append(b.Rules, r)
	}

	return b, nil
}

// Rule looks up a declared rule by ID
func (b *Bundle) Rule(id string) (Rule, bool) {
	i, ok := b.byID[id]
	if !ok {
		return Rule{}, false
	}
	return b.Rules[i], true
}

// Match converts a declared rule into a PolicyMatch
func (b *Bundle) Match(id string) (types.PolicyMatch, error) {
	r, ok := b.Rule(id)
	if !ok {
		return types.PolicyMatch{}, fmt.Errorf("rule %s is not declared in bundle %s", id, b.Digest)
	}
	return types.NewPolicyMatch(r.ID, r.Authority, r.RequiredMetadata...), nil
}

// ModuleNames returns the Rego module names in sorted order
func (b *Bundle) ModuleNames() []string {
	names := make([]string, 0, len(b.Rego))
	for name := range b.Rego {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
