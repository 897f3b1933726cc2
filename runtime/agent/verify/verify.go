// Package verify checks candidate answers against a set of independent
// rules. Checking is a pure function of the candidate, the request and the
// gathered context: it performs no I/O.
package verify

import (
	"fmt"
	"strings"

	"goa.design/verity/runtime/agent"
)

type (
	// Rule is one independent check. Check returns the issues found, if any.
	Rule interface {
		Code() string
		Check(in Input) []agent.Issue
	}

	// Input groups the values a rule may inspect.
	Input struct {
		Candidate agent.Candidate
		Request   agent.Request
		Context   agent.GatheredContext
	}

	// Verifier applies rules in order.
	Verifier struct {
		rules []Rule
	}
)

// New returns a verifier applying rules in order. Without rules it applies
// DefaultRules.
func New(rules ...Rule) *Verifier {
	if len(rules) == 0 {
		rules = DefaultRules(DefaultFormat())
	}
	return &Verifier{rules: rules}
}

// DefaultRules returns the standard rule set for a transport format.
func DefaultRules(f Format) []Rule {
	return []Rule{
		NonEmpty{},
		MinLength{},
		f,
		Citation{},
		TopicalOverlap{},
	}
}

// Rules returns the rules applied by v.
func (v *Verifier) Rules() []Rule {
	return append([]Rule(nil), v.rules...)
}

// Check evaluates every rule. The result passes when no issue has error
// severity; warnings are reported but do not fail.
func (v *Verifier) Check(c agent.Candidate, req agent.Request, gathered agent.GatheredContext) agent.VerificationResult {
	in := Input{Candidate: c, Request: req, Context: gathered}
	res := agent.VerificationResult{Passed: true}
	for _, r := range v.rules {
		for _, is := range r.Check(in) {
			if is.Code == "" {
				is.Code = r.Code()
			}
			res.Issues = append(res.Issues, is)
			if is.Severity == agent.SeverityError {
				res.Passed = false
			}
		}
	}
	if !res.Passed {
		res.Feedback = feedback(res.Errors())
	}
	return res
}

// feedback renders error issues as guidance for the next attempt.
func feedback(issues []agent.Issue) string {
	var b strings.Builder
	b.WriteString("Your previous answer was rejected by review. Fix the following and answer again:\n")
	for _, is := range issues {
		fmt.Fprintf(&b, "- [%s] %s\n", is.Code, is.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}
