package policy

import (
	"regexp"
	"strings"
)

// EligibilityKind is the approval flow an eligibility marker demands
type EligibilityKind int

const (
	EligibilityNone EligibilityKind = iota
	EligibilitySelfApproval
	EligibilityPeerApproval
	EligibilityExternalApproval
	EligibilityReviewer
)

// Eligibility is the interpretation of one binding condition. Kind is
// EligibilityNone when the condition carries no recognized marker.
type Eligibility struct {
	Kind              EligibilityKind
	Topic             string
	ResourceCondition string
}

// IsEligible reports whether the condition grants an activatable
// entitlement to the binding's members
func (e Eligibility) IsEligible() bool {
	return e.Kind == EligibilitySelfApproval ||
		e.Kind == EligibilityPeerApproval ||
		e.Kind == EligibilityExternalApproval
}

const (
	markerJIT      = "jitaccessconstraint"
	markerMPA      = "multipartyapprovalconstraint"
	markerExternal = "externalapprovalconstraint"
	markerReviewer = "reviewerprivilege"
)

// markerPattern matches one well-formed eligibility marker. Markers are
// matched case-insensitively and tolerate whitespace anywhere; the
// topic, when present, is captured with its original case.
var markerPattern = regexp.MustCompile(
	`(?i)^has\s*\(\s*\{\s*\}\s*\.\s*(` +
		markerJIT + `|` + markerMPA + `|` + markerExternal + `|` + markerReviewer +
		`)\s*(?:\.\s*([A-Za-z0-9_]+)\s*)?\)$`)

// markerishPattern recognizes anything that was meant to be a marker,
// well-formed or not
var markerishPattern = regexp.MustCompile(
	`(?i)has\s*\(\s*\{\s*\}\s*\.\s*(` +
		markerJIT + `|` + markerMPA + `|` + markerExternal + `|` + markerReviewer + `)`)

// ClassifyEligibility interprets a binding condition. Conditions that
// are absent, empty, or foreign to the broker yield EligibilityNone
// with a nil error. Conditions that carry a marker but violate the
// grammar yield EligibilityNone with a MalformedConditionError so the
// caller can surface a warning.
func ClassifyEligibility(cond *Condition) (Eligibility, error) {
	none := Eligibility{Kind: EligibilityNone}
	if cond == nil {
		return none, nil
	}
	expr := strings.TrimSpace(cond.Expression)
	if expr == "" {
		return none, nil
	}

	conjuncts := splitConjuncts(expr)
	var (
		marker   []string // submatches of the single marker
		residual []string
	)
	for _, conjunct := range conjuncts {
		candidate := unwrap(conjunct)
		if m := markerPattern.FindStringSubmatch(candidate); m != nil {
			if marker != nil {
				return none, &MalformedConditionError{Expression: expr, Reason: "multiple eligibility markers"}
			}
			marker = m
			continue
		}
		residual = append(residual, conjunct)
	}

	if marker == nil {
		if markerishPattern.MatchString(expr) {
			return none, &MalformedConditionError{Expression: expr, Reason: "unrecognized marker form"}
		}
		return none, nil
	}

	kind := EligibilityNone
	switch strings.ToLower(normalizeSpace(marker[1])) {
	case markerJIT:
		kind = EligibilitySelfApproval
	case markerMPA:
		kind = EligibilityPeerApproval
	case markerExternal:
		kind = EligibilityExternalApproval
	case markerReviewer:
		kind = EligibilityReviewer
	}
	topic := marker[2]
	if kind == EligibilitySelfApproval && topic != "" {
		return none, &MalformedConditionError{Expression: expr, Reason: "self-approval marker cannot carry a topic"}
	}

	resourceCondition := ""
	if len(residual) > 0 {
		joined := strings.Join(residual, " && ")
		if markerishPattern.MatchString(joined) {
			return none, &MalformedConditionError{Expression: expr, Reason: "marker nested in resource condition"}
		}
		if wrapsWhole(strings.TrimSpace(joined)) {
			joined = unwrap(joined)
		}
		if err := validateResourceCondition(joined); err != nil {
			return none, &MalformedConditionError{Expression: expr, Reason: err.Error()}
		}
		resourceCondition = normalizeSpace(joined)
	}

	return Eligibility{Kind: kind, Topic: topic, ResourceCondition: resourceCondition}, nil
}
