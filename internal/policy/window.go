package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ActivationTitle is the sentinel title marking a binding as a
// temporary activation. The title is matched case-sensitively.
const ActivationTitle = "JIT access"

// ActivationWindow is the half-open validity window carried by an
// activated binding
type ActivationWindow struct {
	Start             time.Time
	End               time.Time
	ResourceCondition string
}

// temporalCore matches the clause that encodes the window, with the
// wrapping parentheses already stripped
var temporalCore = regexp.MustCompile(
	`(?i)^request\.time\s*>=\s*timestamp\s*\(\s*"([^"]+)"\s*\)\s*&&\s*request\.time\s*<\s*timestamp\s*\(\s*"([^"]+)"\s*\)$`)

// ParseActivationWindow recognizes activated bindings. It returns
// (nil, nil) for conditions that are not ours: a missing condition, a
// different title, or an empty expression. A condition that carries
// the sentinel title but not the temporal clause yields a
// MalformedConditionError.
func ParseActivationWindow(cond *Condition) (*ActivationWindow, error) {
	if cond == nil || strings.TrimSpace(cond.Title) != ActivationTitle {
		return nil, nil
	}
	expr := strings.TrimSpace(cond.Expression)
	if expr == "" {
		return nil, nil
	}

	conjuncts := splitConjuncts(expr)
	core := unwrap(conjuncts[0])
	m := temporalCore.FindStringSubmatch(core)
	if m == nil {
		return nil, &MalformedConditionError{Expression: expr, Reason: "missing temporal clause"}
	}
	start, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return nil, &MalformedConditionError{Expression: expr, Reason: fmt.Sprintf("bad start time %q", m[1])}
	}
	end, err := time.Parse(time.RFC3339, m[2])
	if err != nil {
		return nil, &MalformedConditionError{Expression: expr, Reason: fmt.Sprintf("bad end time %q", m[2])}
	}

	window := &ActivationWindow{Start: start.UTC(), End: end.UTC()}
	if len(conjuncts) > 1 {
		rest := strings.Join(conjuncts[1:], " && ")
		if wrapsWhole(strings.TrimSpace(rest)) {
			rest = unwrap(rest)
		}
		window.ResourceCondition = normalizeSpace(rest)
	}
	return window, nil
}

// TemporalClause renders the expression clause for a window
func TemporalClause(start, end time.Time) string {
	return fmt.Sprintf(`(request.time >= timestamp("%s") && request.time < timestamp("%s"))`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

// ActivationExpression renders the full binding expression for a
// window, appending the resource condition when one narrows the role
func ActivationExpression(start, end time.Time, resourceCondition string) string {
	clause := TemporalClause(start, end)
	if resourceCondition == "" {
		return clause
	}
	return fmt.Sprintf("(%s) && (%s)", clause, resourceCondition)
}

// ActivationCondition builds the condition planted on an activated
// binding. The description carries the human-readable approval
// rationale.
func ActivationCondition(start, end time.Time, resourceCondition, description string) *Condition {
	return &Condition{
		Title:       ActivationTitle,
		Description: description,
		Expression:  ActivationExpression(start, end, resourceCondition),
	}
}
