package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"crabstack.local/projects/crab-core/internal/config"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

const AnyTool = "*"

type Rule struct {
	Tool    string `yaml:"tool" json:"tool"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Effect  Effect `yaml:"effect" json:"effect"`
}

func (r Rule) String() string {
	pattern := r.Pattern
	if pattern == "" {
		pattern = "**"
	}
	return fmt.Sprintf("%s %s %s", r.Effect, r.Tool, pattern)
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads rules from a YAML file holding either a top-level list or
// a mapping with a "rules" key.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Rule, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &config.ConfigError{Key: "sandbox.policy_file", Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	var rules []Rule
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&rules); err != nil {
			return nil, &config.ConfigError{Key: "sandbox.policy_file", Reason: fmt.Sprintf("decode rules: %v", err)}
		}
	case yaml.MappingNode:
		var file ruleFile
		if err := doc.Decode(&file); err != nil {
			return nil, &config.ConfigError{Key: "sandbox.policy_file", Reason: fmt.Sprintf("decode rules: %v", err)}
		}
		rules = file.Rules
	default:
		return nil, &config.ConfigError{Key: "sandbox.policy_file", Reason: "expected a list of rules"}
	}

	for i := range rules {
		normalized, err := normalizeRule(rules[i])
		if err != nil {
			return nil, &config.ConfigError{Key: fmt.Sprintf("sandbox.rules[%d]", i), Reason: err.Error()}
		}
		rules[i] = normalized
	}
	return rules, nil
}

func FromConfig(cfg []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	for i, rc := range cfg {
		rule, err := normalizeRule(Rule{Tool: rc.Tool, Pattern: rc.Pattern, Effect: Effect(rc.Effect)})
		if err != nil {
			return nil, &config.ConfigError{Key: fmt.Sprintf("sandbox.rules[%d]", i), Reason: err.Error()}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func normalizeRule(r Rule) (Rule, error) {
	r.Tool = strings.ToLower(strings.TrimSpace(r.Tool))
	r.Pattern = strings.TrimSpace(r.Pattern)
	r.Effect = Effect(strings.ToLower(strings.TrimSpace(string(r.Effect))))
	if r.Tool == "" {
		return Rule{}, fmt.Errorf("tool is required")
	}
	switch r.Effect {
	case EffectAllow, EffectDeny:
	default:
		return Rule{}, fmt.Errorf("effect must be allow or deny, got %q", r.Effect)
	}
	if strings.ContainsRune(r.Pattern, 0) {
		return Rule{}, fmt.Errorf("pattern contains NUL")
	}
	return r, nil
}

type compiledRule struct {
	rule      Rule
	order     int
	toolExact bool
	matchAll  bool
	literal   string
	wildcards int

	// dirPattern is the pattern without a trailing "/**", which also
	// matches the directory itself.
	dirPattern string
}

func compile(r Rule, order int) (*compiledRule, error) {
	c := &compiledRule{
		rule:      r,
		order:     order,
		toolExact: r.Tool != AnyTool,
	}
	switch r.Pattern {
	case "", "*", "**":
		c.matchAll = true
		return c, nil
	}

	if i := strings.IndexAny(r.Pattern, "*?[{\\"); i >= 0 {
		c.literal = r.Pattern[:i]
	} else {
		c.literal = r.Pattern
	}
	if strings.HasSuffix(r.Pattern, "/**") {
		c.literal = strings.TrimSuffix(c.literal, "/")
	}
	c.wildcards = strings.Count(r.Pattern, "*") + strings.Count(r.Pattern, "?")

	if !doublestar.ValidatePattern(r.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q", r.Pattern)
	}
	if strings.HasSuffix(r.Pattern, "/**") {
		c.dirPattern = strings.TrimSuffix(r.Pattern, "/**")
	}
	return c, nil
}

func (c *compiledRule) matches(subject string, hasSubject bool) bool {
	if c.matchAll {
		return true
	}
	if !hasSubject {
		return false
	}
	if ok, _ := doublestar.Match(c.rule.Pattern, subject); ok {
		return true
	}
	if c.dirPattern == "" {
		return false
	}
	ok, _ := doublestar.Match(c.dirPattern, subject)
	return ok
}

// moreSpecific reports whether a outranks b; equal rank returns false both
// ways.
func moreSpecific(a, b *compiledRule) bool {
	if a.toolExact != b.toolExact {
		return a.toolExact
	}
	if a.matchAll != b.matchAll {
		return !a.matchAll
	}
	if len(a.literal) != len(b.literal) {
		return len(a.literal) > len(b.literal)
	}
	if a.wildcards != b.wildcards {
		return a.wildcards < b.wildcards
	}
	return len(a.rule.Pattern) > len(b.rule.Pattern)
}
