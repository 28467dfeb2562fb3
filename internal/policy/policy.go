// Package policy gates drafts before delivery. Violations are not fatal to a
// task: the coordinator folds them back into the next revision round as
// reviewer feedback, and only an exhausted repair budget surfaces them.
package policy

import (
	"regexp"
	"strings"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Violation is one policy hit against a draft.
type Violation struct {
	Rule     string   `json:"rule"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
	Sample   string   `json:"sample,omitempty"`
}

// Checker evaluates draft text against the safety policy.
type Checker interface {
	CheckSafety(text string) []Violation
}

type rule struct {
	name     string
	re       *regexp.Regexp
	severity Severity
	detail   string
}

var defaultRules = []rule{
	// Secret material must never reach the user through a draft.
	{
		name:     "secret-api-key",
		re:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`),
		severity: SeverityBlock,
		detail:   "draft contains what looks like an API key",
	},
	{
		name:     "secret-bearer-token",
		re:       regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		severity: SeverityBlock,
		detail:   "draft contains a bearer token",
	},
	{
		name:     "secret-private-key",
		re:       regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		severity: SeverityBlock,
		detail:   "draft contains private key material",
	},
	{
		name:     "secret-password",
		re:       regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		severity: SeverityBlock,
		detail:   "draft contains a password assignment",
	},
	// Injection artifacts leaking from a poisoned context.
	{
		name:     "injection-system-tag",
		re:       regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		severity: SeverityWarn,
		detail:   "draft carries a [SYSTEM] marker",
	},
	{
		name:     "injection-template-tag",
		re:       regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		severity: SeverityWarn,
		detail:   "draft carries a chat template tag",
	},
	{
		name:     "instruction-echo",
		re:       regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		severity: SeverityWarn,
		detail:   "draft echoes an instruction-override phrase",
	},
}

// RegexChecker is the built-in Checker.
type RegexChecker struct {
	rules []rule
}

func NewRegexChecker() *RegexChecker {
	return &RegexChecker{rules: defaultRules}
}

func (c *RegexChecker) CheckSafety(text string) []Violation {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var violations []Violation
	for _, r := range c.rules {
		match := r.re.FindString(text)
		if match == "" {
			continue
		}
		sample := match
		if len(sample) > 20 {
			sample = sample[:17] + "..."
		}
		violations = append(violations, Violation{
			Rule:     r.name,
			Detail:   r.detail,
			Severity: r.severity,
			Sample:   sample,
		})
	}
	return violations
}

// Feedback renders violations as revision guidance for the drafter.
func Feedback(violations []Violation) string {
	var sb strings.Builder
	sb.WriteString("The draft violates safety policy. Revise it to resolve:\n")
	for _, v := range violations {
		sb.WriteString("- ")
		sb.WriteString(v.Detail)
		sb.WriteString(" (")
		sb.WriteString(v.Rule)
		sb.WriteString(")\n")
	}
	return sb.String()
}
