package router

import (
	"fmt"
	"strings"
)

// Rule is one prefix-routing fallback entry. Rules are evaluated in
// configured order; the first rule whose prefix matches the requested model
// wins, so operators list longer prefixes before shorter ones.
type Rule struct {
	Prefix  string
	BaseURL string
	AuthEnv string
	Mode    string
}

// ParseRules parses the prefix-rule string from the environment. Rules are
// separated by commas, fields within a rule by semicolons:
//
//	prefix=claude-;base=https://api.anthropic.com/v1;key_env=ANTHROPIC_API_KEY;mode=responses
func ParseRules(s string) ([]Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var rules []Rule
	for i, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var rule Rule
		for _, field := range strings.Split(entry, ";") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}

			key, value, ok := strings.Cut(field, "=")
			if !ok {
				return nil, fmt.Errorf("prefix rule %d: field %q is not key=value", i, field)
			}

			switch strings.TrimSpace(key) {
			case "prefix":
				rule.Prefix = strings.TrimSpace(value)
			case "base":
				rule.BaseURL = strings.TrimSpace(value)
			case "key_env":
				rule.AuthEnv = strings.TrimSpace(value)
			case "mode":
				rule.Mode = strings.TrimSpace(value)
			default:
				return nil, fmt.Errorf("prefix rule %d: unknown field %q", i, key)
			}
		}

		if rule.Prefix == "" {
			return nil, fmt.Errorf("prefix rule %d: missing prefix", i)
		}
		if rule.BaseURL == "" {
			return nil, fmt.Errorf("prefix rule %d: missing base", i)
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

// MatchRule returns the first rule whose prefix matches the model, or nil.
func MatchRule(rules []Rule, model string) *Rule {
	for i := range rules {
		if strings.HasPrefix(model, rules[i].Prefix) {
			return &rules[i]
		}
	}
	return nil
}
