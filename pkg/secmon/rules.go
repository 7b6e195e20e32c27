package secmon

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule raises AlertRuleMatched for a client key the first time When holds
// within the key's window. When is an expr-lang boolean over the key's
// counters, for example "failedAuth >= 3 && suspicious >= 2".
type Rule struct {
	Name string `mapstructure:"name" yaml:"name"`
	When string `mapstructure:"when" yaml:"when"`
}

const maxRules = 64

type compiledRule struct {
	name    string
	program *vm.Program
}

func ruleEnv(c *counters, t EventType) map[string]any {
	return map[string]any{
		"failedAuth":  c.failedAuth,
		"suspicious":  c.suspicious,
		"injection":   c.injection,
		"blocked":     c.blocked,
		"rateLimited": c.rateLimited,
		"events":      c.events,
		"type":        string(t),
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) > maxRules {
		return nil, fmt.Errorf("at most %d alert rules are supported, got %d", maxRules, len(rules))
	}
	out := make([]compiledRule, 0, len(rules))
	seen := map[string]bool{}
	for i, r := range rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate alert rule %q", name)
		}
		seen[name] = true
		prog, err := expr.Compile(r.When, expr.Env(ruleEnv(&counters{}, "")), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile alert rule %q: %w", name, err)
		}
		out = append(out, compiledRule{name: name, program: prog})
	}
	return out, nil
}

func (r compiledRule) matches(env map[string]any) (bool, error) {
	res, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	ok, _ := res.(bool)
	return ok, nil
}
