// Package policy models IAM policy documents and interprets the
// conditions the broker plants on role bindings: eligibility markers
// that make a binding activatable, and temporal conditions that carry
// an activation window.
package policy

import "fmt"

// Condition is an IAM condition attached to a role binding
type Condition struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression,omitempty"`
}

// Binding grants a role to a set of members, optionally narrowed by a
// condition
type Binding struct {
	Role      string     `json:"role"`
	Members   []string   `json:"members,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
}

// Policy is an IAM policy document
type Policy struct {
	Version  int       `json:"version,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
	Etag     string    `json:"etag,omitempty"`
}

// MalformedConditionError marks a condition that carries one of our
// markers but violates the condition grammar. Callers downgrade it to
// a warning; it never aborts an analysis.
type MalformedConditionError struct {
	Expression string
	Reason     string
}

func (e *MalformedConditionError) Error() string {
	return fmt.Sprintf("malformed condition %q: %s", e.Expression, e.Reason)
}
