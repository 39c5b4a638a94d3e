// Package moderation holds the pure policy rules for content safety checks:
// the ordered severity scale, block/record decisions, tenant rule overlays
// and the outage posture per check context.
package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity is the ordered moderation scale. Comparisons use integer order:
// clean < low < medium < high < critical.
type Severity int

const (
	SeverityClean Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"clean", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityClean || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a wire string to a Severity. Unknown values parse as
// medium: malformed checker responses must neither block nor pass silently.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clean", "none", "":
		return SeverityClean
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	}
	return SeverityMedium
}

// Max returns the higher of two severities.
func Max(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// Demote lowers the severity by one level, floor clean.
func (s Severity) Demote() Severity {
	if s <= SeverityClean {
		return SeverityClean
	}
	return s - 1
}

// Check contexts. The outage posture differs per context.
const (
	ContextUserRequest = "user_request"
	ContextAgentOutput = "agent_output"
)

// FailOpen reports whether a checker outage allows the content through.
// Outputs fail open; user requests fail closed so bad prompts never slip
// past a degraded checker.
func FailOpen(context string) bool {
	return context == ContextAgentOutput
}

// Decision is what the caller does with a severity.
type Decision int

const (
	DecisionAllow  Decision = iota // pass silently
	DecisionRecord                 // allow, append a violation row
	DecisionBlock                  // reject with a typed error
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRecord:
		return "record"
	case DecisionBlock:
		return "block"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Decide maps a severity to a decision: high and above block, medium is
// recorded but allowed, low and clean pass.
func Decide(sev Severity) Decision {
	switch {
	case sev >= SeverityHigh:
		return DecisionBlock
	case sev == SeverityMedium:
		return DecisionRecord
	}
	return DecisionAllow
}

// CheckResult is the outcome of one moderation check after tenant overlays.
type CheckResult struct {
	Severity    Severity `json:"severity"`
	Categories  []string `json:"categories,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	// Degraded marks a fail-open result produced during a checker outage.
	Degraded bool `json:"degraded,omitempty"`
}

// RuleSpec is the config/DB form of one tenant rule.
type RuleSpec struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Severity string `json:"severity" yaml:"severity"`
}

// TenantRule is a compiled per-tenant pattern that raises severity on match.
type TenantRule struct {
	Pattern  *regexp.Regexp
	Severity Severity
}

// CompileRules compiles rule specs, rejecting the whole set on any bad
// pattern so a tenant cannot end up with silently missing rules.
func CompileRules(specs []RuleSpec) ([]TenantRule, error) {
	rules := make([]TenantRule, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile tenant rule %q: %w", spec.Pattern, err)
		}
		rules = append(rules, TenantRule{Pattern: re, Severity: ParseSeverity(spec.Severity)})
	}
	return rules, nil
}

// ApplyTenantRules overlays tenant rules and whitelist patterns on a checker
// result. Rule matches raise severity to at least the rule's level; a
// whitelist match demotes the final severity by one level, floor clean.
func ApplyTenantRules(content string, base CheckResult, rules []TenantRule, whitelist []*regexp.Regexp) CheckResult {
	out := base
	for _, rule := range rules {
		if rule.Pattern.MatchString(content) {
			if rule.Severity > out.Severity {
				out.Severity = rule.Severity
				out.Categories = appendUnique(out.Categories, "tenant_rule")
			}
		}
	}
	for _, wl := range whitelist {
		if wl.MatchString(content) {
			out.Severity = out.Severity.Demote()
			break
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
