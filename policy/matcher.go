// Package policy evaluates a bundle's Rego modules against a resource change
// and turns the hits into PolicyMatch values.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tollgate/bundle"
	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/types"
)

// Query is evaluated in every module; it must yield a set of rule hits
const Query = "data.tollgate.matches"

// Input is what a Rego module sees as `input`
type Input struct {
	ResourceID string            `json:"resource_id"`
	Severity   types.Severity    `json:"severity"`
	Metadata   map[string]string `json:"metadata"`
	Change     json.RawMessage   `json:"change,omitempty"`
}

type module struct {
	name  string
	query rego.PreparedEvalQuery
}

// Matcher runs the bundle's compiled modules.
// Authority always comes from the bundle's declared rules, never from Rego.
type Matcher struct {
	bundle  *bundle.Bundle
	modules []module
	logger  *telemetry.Logger
}

// NewMatcher compiles every Rego module in b. A module that does not
// compile means the bundle is unusable.
func NewMatcher(ctx context.Context, b *bundle.Bundle) (*Matcher, error) {
	m := &Matcher{
		bundle: b,
		logger: telemetry.NewLogger("policy-matcher"),
	}

	for _, name := range b.ModuleNames() {
		prepared, err := rego.New(
			rego.Query(Query),
			rego.Module(name, b.Rego[name]),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, types.NewHardStop(types.ClassIntegrityError,
				fmt.Sprintf("rego module %s in bundle %s does not compile", name, b.Digest), err)
		}
		m.modules = append(m.modules, module{name: name, query: prepared})
	}

	m.logger.WithContext(ctx).Debug().
		Int("modules", len(m.modules)).
		Str("bundle", b.Digest).
		Msg("policy modules compiled")

	return m, nil
}

// Match evaluates every module and returns matches in module name order,
// then declared rule order. Each rule appears at most once.
func (m *Matcher) Match(ctx context.Context, in Input) ([]types.PolicyMatch, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "policy.match",
		trace.WithAttributes(attribute.String("resource.id", in.ResourceID)))
	defer span.End()

	if len(m.modules) == 0 {
		return nil, nil
	}

	doc, err := toRegoInput(in)
	if err != nil {
		return nil, err
	}

	var out []types.PolicyMatch
	seen := make(map[string]struct{})

	for _, mod := range m.modules {
		results, err := mod.query.Eval(ctx, rego.EvalInput(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rego module %s: %w", mod.name, err)
		}

		ids, err := ruleIDs(results)
		if err != nil {
			return nil, fmt.Errorf("rego module %s: %w", mod.name, err)
		}
		m.sortByDeclaration(ids)

		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			match, err := m.bundle.Match(id)
			if err != nil {
				return nil, types.NewHardStop(types.ClassIntegrityError,
					fmt.Sprintf("rego module %s returned undeclared rule %s", mod.name, id), err)
			}
			out = append(out, match)
		}
	}

	m.logger.WithContext(ctx).Debug().
		Str("resource_id", in.ResourceID).
		Int("matches", len(out)).
		Msg("policy evaluation complete")

	return out, nil
}

func (m *Matcher) sortByDeclaration(ids []string) {
	index := func(id string) int {
		for i, r := range m.bundle.Rules {
			if r.ID == id {
				return i
			}
		}
		return len(m.bundle.Rules)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ii, jj := index(ids[i]), index(ids[j])
		if ii != jj {
			return ii < jj
		}
		return ids[i] < ids[j]
	})
}

// toRegoInput decodes the raw change so Rego sees plain JSON values
func toRegoInput(in Input) (map[string]any, error) {
	meta := make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}
	doc := map[string]any{
		"resource_id": in.ResourceID,
		"severity":    string(in.Severity),
		"metadata":    meta,
	}
	if len(in.Change) > 0 {
		var change any
		if err := json.Unmarshal(in.Change, &change); err != nil {
			return nil, fmt.Errorf("change document is not valid JSON: %w", err)
		}
		doc["change"] = change
	}
	return doc, nil
}

// ruleIDs accepts hits shaped as {"rule_id": "..."} objects or bare strings
func ruleIDs(results rego.ResultSet) ([]string, error) {
	var ids []string
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		hits, ok := res.Expressions[0].Value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s must be a set, got %T", Query, res.Expressions[0].Value)
		}
		for _, hit := range hits {
			switch v := hit.(type) {
			case string:
				ids = append(ids, v)
			case map[string]any:
				id, ok := v["rule_id"].(string)
				if !ok || id == "" {
					return nil, fmt.Errorf("match %v has no rule_id", v)
				}
				ids = append(ids, id)
			default:
				return nil, fmt.Errorf("unexpected match value %T", hit)
			}
		}
	}
	return ids, nil
}
