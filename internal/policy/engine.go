package policy

import (
	"strings"

	"github.com/armon/go-radix"
)

type Decision struct {
	Allowed bool
	Rule    *Rule
	Reason  string
}

// Engine evaluates rules with default-deny semantics. Rules are indexed by
// their literal prefix so only rules whose prefix covers the subject are
// considered.
type Engine struct {
	rules   []Rule
	byTool  map[string]*radix.Tree
	anyTool *radix.Tree
}

func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{
		byTool:  make(map[string]*radix.Tree),
		anyTool: radix.New(),
	}
	for i, raw := range rules {
		rule, err := normalizeRule(raw)
		if err != nil {
			return nil, err
		}
		compiled, err := compile(rule, i)
		if err != nil {
			return nil, err
		}
		tree := e.anyTool
		if compiled.toolExact {
			t, ok := e.byTool[rule.Tool]
			if !ok {
				t = radix.New()
				e.byTool[rule.Tool] = t
			}
			tree = t
		}
		var bucket []*compiledRule
		if existing, ok := tree.Get(compiled.literal); ok {
			bucket = existing.([]*compiledRule)
		}
		tree.Insert(compiled.literal, append(bucket, compiled))
		e.rules = append(e.rules, rule)
	}
	return e, nil
}

func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate decides whether tool may act on subject. hasSubject is false for
// tools that take no policy-relevant argument. The most specific matching
// rule wins; a tie between allow and deny is a deny; no match is a deny.
func (e *Engine) Evaluate(tool, subject string, hasSubject bool) Decision {
	tool = strings.ToLower(strings.TrimSpace(tool))
	if e == nil || tool == "" {
		return Decision{Reason: "no matching allow rule"}
	}

	var candidates []*compiledRule
	collect := func(tree *radix.Tree) {
		if tree == nil {
			return
		}
		walk := func(_ string, v interface{}) bool {
			for _, c := range v.([]*compiledRule) {
				if c.matches(subject, hasSubject) {
					candidates = append(candidates, c)
				}
			}
			return false
		}
		if hasSubject {
			tree.WalkPath(subject, walk)
			return
		}
		if v, ok := tree.Get(""); ok {
			walk("", v)
		}
	}
	collect(e.byTool[tool])
	collect(e.anyTool)

	if len(candidates) == 0 {
		return Decision{Reason: "no matching allow rule"}
	}

	best := []*compiledRule{candidates[0]}
	for _, c := range candidates[1:] {
		switch {
		case moreSpecific(c, best[0]):
			best = []*compiledRule{c}
		case !moreSpecific(best[0], c):
			best = append(best, c)
		}
	}

	winner := best[0]
	for _, c := range best {
		if c.rule.Effect == EffectDeny {
			winner = c
			break
		}
	}
	rule := winner.rule
	if rule.Effect == EffectDeny {
		return Decision{Rule: &rule, Reason: "denied by rule " + rule.String()}
	}
	return Decision{Allowed: true, Rule: &rule, Reason: "allowed by rule " + rule.String()}
}
