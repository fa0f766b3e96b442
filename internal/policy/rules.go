package policy

import (
	"context"

	"github.com/371-Minds/credvault/internal/expressions"
	"github.com/371-Minds/credvault/pkg/schema"
)

// Rule grants read access to every agent and credential pair for which
// Expression evaluates to true. Expressions are CEL over `agent` (string)
// and `credential` (map with id, name, type, tags, created_by).
//
//	Rule{Name: "devops-cloud", Expression: `agent.startsWith("devops_") && "cloud" in credential.tags`}
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// Attributes is the credential view exposed to rules. Secret data is
// never part of it.
type Attributes struct {
	ID        string
	Name      string
	Type      string
	Tags      []string
	CreatedBy string
}

func (a Attributes) toMap() map[string]any {
	tags := make([]any, len(a.Tags))
	for i, t := range a.Tags {
		tags[i] = t
	}
	return map[string]any{
		"id":         a.ID,
		"name":       a.Name,
		"type":       a.Type,
		"tags":       tags,
		"created_by": a.CreatedBy,
	}
}

// RuleSet is a compiled, immutable list of rules.
type RuleSet struct {
	engine *expressions.CELEngine
	rules  []Rule
}

// NewRuleSet compiles every rule up front so a bad expression fails at
// construction rather than on first access.
func NewRuleSet(engine *expressions.CELEngine, rules []Rule) (*RuleSet, error) {
	if len(rules) > 0 && engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "rule set requires a CEL engine")
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "rule name is required")
		}
		if seen[r.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if err := engine.Compile(r.Expression); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %q", r.Name).WithCause(err)
		}
	}
	return &RuleSet{engine: engine, rules: append([]Rule(nil), rules...)}, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Match returns the name of the first rule that admits agent, or "" if none
// does. Rules are evaluated in order and evaluation stops at the first error.
func (rs *RuleSet) Match(ctx context.Context, agent string, attrs Attributes) (string, error) {
	if rs.Len() == 0 {
		return "", nil
	}
	data := map[string]any{
		"agent":      agent,
		"credential": attrs.toMap(),
	}
	for _, r := range rs.rules {
		ok, err := expressions.EvaluateBool(ctx, rs.engine, r.Expression, data)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "rule %q", r.Name).WithCause(err)
		}
		if ok {
			return r.Name, nil
		}
	}
	return "", nil
}

// Allows reports whether any rule admits agent. Evaluation errors deny.
func (rs *RuleSet) Allows(ctx context.Context, agent string, attrs Attributes) bool {
	name, err := rs.Match(ctx, agent, attrs)
	return err == nil && name != ""
}
