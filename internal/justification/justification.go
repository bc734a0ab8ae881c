// Package justification screens the free-text rationale users attach
// to activation requests.
package justification

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

// Policy decides whether a justification is acceptable.
type Policy interface {
	// CheckJustification returns nil when the text passes, or an
	// InvalidJustification error explaining what is expected.
	CheckJustification(user identity.UserID, text string) error
	// Hint describes the expected format to users, e.g. "Bug or
	// case number".
	Hint() string
}

// Options configures the rule-based policy.
type Options struct {
	// MinLength is the minimum length of the trimmed text.
	MinLength int
	// Pattern, when non-empty, is a regexp the text must match.
	Pattern string
	// Hint is surfaced to users alongside rejections.
	Hint string
}

// RulePolicy is a Policy built from a minimum length and an optional
// pattern.
type RulePolicy struct {
	minLength int
	pattern   *regexp.Regexp
	hint      string
}

// NewRulePolicy compiles the options into a policy.
func NewRulePolicy(opts Options) (*RulePolicy, error) {
	minLength := opts.MinLength
	if minLength < 1 {
		minLength = 1
	}

	var pattern *regexp.Regexp
	if opts.Pattern != "" {
		compiled, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, err
		}
		pattern = compiled
	}

	return &RulePolicy{
		minLength: minLength,
		pattern:   pattern,
		hint:      opts.Hint,
	}, nil
}

// CheckJustification implements Policy.
func (p *RulePolicy) CheckJustification(user identity.UserID, text string) error {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < p.minLength {
		return errors.InvalidJustification("check_justification",
			fmt.Errorf("justification must be at least %d characters%s", p.minLength, p.hintSuffix()))
	}
	if p.pattern != nil && !p.pattern.MatchString(trimmed) {
		return errors.InvalidJustification("check_justification",
			fmt.Errorf("justification does not match the required format%s", p.hintSuffix()))
	}
	return nil
}

// Hint implements Policy.
func (p *RulePolicy) Hint() string {
	return p.hint
}

func (p *RulePolicy) hintSuffix() string {
	if p.hint == "" {
		return ""
	}
	return " (" + p.hint + ")"
}
