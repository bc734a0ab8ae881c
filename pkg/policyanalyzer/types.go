package policyanalyzer

import "github.com/copperline/jitbroker/internal/policy"

// Evaluation verdicts reported per access-control list
const (
	EvaluationTrue        = "TRUE"
	EvaluationConditional = "CONDITIONAL"
	EvaluationFalse       = "FALSE"
)

// Analysis is the main analysis of one query
type Analysis struct {
	Results           []Result        `json:"analysisResults,omitempty"`
	FullyExplored     bool            `json:"fullyExplored,omitempty"`
	NonCriticalErrors []AnalysisError `json:"nonCriticalErrors,omitempty"`
}

// Warnings renders the non-critical errors as strings
func (a *Analysis) Warnings() []string {
	if len(a.NonCriticalErrors) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.NonCriticalErrors))
	for _, e := range a.NonCriticalErrors {
		out = append(out, e.Cause)
	}
	return out
}

// AnalysisError is a non-fatal problem the analyzer hit while exploring
type AnalysisError struct {
	Cause string `json:"cause,omitempty"`
}

// Result is one analyzed binding: where it is attached, what it grants,
// and which resources and identities it effectively covers
type Result struct {
	AttachedResourceFullName string               `json:"attachedResourceFullName,omitempty"`
	IAMBinding               *policy.Binding      `json:"iamBinding,omitempty"`
	AccessControlLists       []AccessControlList  `json:"accessControlLists,omitempty"`
	IdentityList             *IdentityList        `json:"identityList,omitempty"`
	FullyExplored            bool                 `json:"fullyExplored,omitempty"`
}

// Condition returns the binding condition, or nil for an unconditional
// binding
func (r *Result) Condition() *policy.Condition {
	if r.IAMBinding == nil {
		return nil
	}
	return r.IAMBinding.Condition
}

// AccessControlList enumerates the resources a binding effectively
// covers, with the evaluation verdict of its condition
type AccessControlList struct {
	Resources           []Resource           `json:"resources,omitempty"`
	ConditionEvaluation *ConditionEvaluation `json:"conditionEvaluation,omitempty"`
}

// Verdict returns the evaluation value, defaulting to TRUE for
// unconditional lists
func (l *AccessControlList) Verdict() string {
	if l.ConditionEvaluation == nil || l.ConditionEvaluation.EvaluationValue == "" {
		return EvaluationTrue
	}
	return l.ConditionEvaluation.EvaluationValue
}

// Resource is a resource reference inside an access-control list
type Resource struct {
	FullResourceName string `json:"fullResourceName,omitempty"`
}

// ConditionEvaluation carries the analyzer's verdict for a condition
type ConditionEvaluation struct {
	EvaluationValue string `json:"evaluationValue,omitempty"`
}

// IdentityList enumerates the principals a binding matched, expanded
// through groups when the query asked for it
type IdentityList struct {
	Identities []Identity `json:"identities,omitempty"`
}

// Identity is one matched principal, e.g. "user:bob@example.com"
type Identity struct {
	Name string `json:"name,omitempty"`
}
