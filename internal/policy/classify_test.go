package policy

import (
	"errors"
	"testing"
)

func TestClassifyEligibility(t *testing.T) {
	tests := []struct {
		name     string
		cond     *Condition
		want     Eligibility
		wantWarn bool
	}{
		{
			name: "jit marker",
			cond: &Condition{Expression: "has({}.jitAccessConstraint)"},
			want: Eligibility{Kind: EligibilitySelfApproval},
		},
		{
			name: "jit marker case folded",
			cond: &Condition{Expression: "HAS({}.JitacceSSConstraint)"},
			want: Eligibility{Kind: EligibilitySelfApproval},
		},
		{
			name: "jit marker with whitespace",
			cond: &Condition{Expression: "  has ( { } . jitAccessConstraint ) "},
			want: Eligibility{Kind: EligibilitySelfApproval},
		},
		{
			name: "jit marker parenthesized",
			cond: &Condition{Expression: "((has({}.jitAccessConstraint)))"},
			want: Eligibility{Kind: EligibilitySelfApproval},
		},
		{
			name: "mpa marker without topic",
			cond: &Condition{Expression: "has({}.multiPartyApprovalConstraint)"},
			want: Eligibility{Kind: EligibilityPeerApproval},
		},
		{
			name: "mpa marker with topic",
			cond: &Condition{Expression: "has({}.multipartyapprovalconstraint.topic)"},
			want: Eligibility{Kind: EligibilityPeerApproval, Topic: "topic"},
		},
		{
			name: "mpa topic preserves case",
			cond: &Condition{Expression: "has({}.MultiPartyApprovalConstraint.Ops_1)"},
			want: Eligibility{Kind: EligibilityPeerApproval, Topic: "Ops_1"},
		},
		{
			name: "external marker with topic",
			cond: &Condition{Expression: "has({}.externalApprovalConstraint.deployments)"},
			want: Eligibility{Kind: EligibilityExternalApproval, Topic: "deployments"},
		},
		{
			name: "external marker without topic",
			cond: &Condition{Expression: "has({}.externalApprovalConstraint)"},
			want: Eligibility{Kind: EligibilityExternalApproval},
		},
		{
			name: "reviewer marker",
			cond: &Condition{Expression: "has({}.reviewerPrivilege.deployments)"},
			want: Eligibility{Kind: EligibilityReviewer, Topic: "deployments"},
		},
		{
			name: "marker with resource condition",
			cond: &Condition{Expression: "has({}.jitAccessConstraint) && resource.name=='x'"},
			want: Eligibility{Kind: EligibilitySelfApproval, ResourceCondition: "resource.name=='x'"},
		},
		{
			name: "resource condition before marker",
			cond: &Condition{Expression: "resource.name=='x' && has({}.jitAccessConstraint)"},
			want: Eligibility{Kind: EligibilitySelfApproval, ResourceCondition: "resource.name=='x'"},
		},
		{
			name: "parenthesized disjunction residual",
			cond: &Condition{Expression: "has({}.multiPartyApprovalConstraint.ops) && (resource.name=='x' || resource.name=='y')"},
			want: Eligibility{Kind: EligibilityPeerApproval, Topic: "ops", ResourceCondition: "resource.name=='x' || resource.name=='y'"},
		},
		{
			name: "residual whitespace normalized",
			cond: &Condition{Expression: "has({}.jitAccessConstraint) && resource.name   ==   'x'"},
			want: Eligibility{Kind: EligibilitySelfApproval, ResourceCondition: "resource.name == 'x'"},
		},
		{
			name: "multi-clause residual",
			cond: &Condition{Expression: "resource.type=='bucket' && has({}.jitAccessConstraint) && resource.name=='x'"},
			want: Eligibility{Kind: EligibilitySelfApproval, ResourceCondition: "resource.type=='bucket' && resource.name=='x'"},
		},
		{
			name: "nil condition",
			cond: nil,
			want: Eligibility{Kind: EligibilityNone},
		},
		{
			name: "empty expression",
			cond: &Condition{Expression: "   "},
			want: Eligibility{Kind: EligibilityNone},
		},
		{
			name: "foreign condition",
			cond: &Condition{Expression: "resource.name == 'x'"},
			want: Eligibility{Kind: EligibilityNone},
		},
		{
			name: "unknown constraint name",
			cond: &Condition{Expression: "has({}.somethingElse)"},
			want: Eligibility{Kind: EligibilityNone},
		},
		{
			name:     "two markers",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint) && has({}.multiPartyApprovalConstraint)"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "invalid topic characters",
			cond:     &Condition{Expression: "has({}.multiPartyApprovalConstraint.ops-team)"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "jit marker cannot carry topic",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint.extra)"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "marker joined by or",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint) || resource.name=='x'"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "residual is not a comparison",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint) && resource.name"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "residual does not parse",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint) && == broken"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
		{
			name:     "marker nested in residual disjunction",
			cond:     &Condition{Expression: "has({}.jitAccessConstraint) && (resource.name=='x' || has({}.multiPartyApprovalConstraint))"},
			want:     Eligibility{Kind: EligibilityNone},
			wantWarn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyEligibility(tt.cond)
			if tt.wantWarn {
				var malformed *MalformedConditionError
				if !errors.As(err, &malformed) {
					t.Fatalf("ClassifyEligibility() error = %v, want MalformedConditionError", err)
				}
			} else if err != nil {
				t.Fatalf("ClassifyEligibility() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ClassifyEligibility() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsEligible(t *testing.T) {
	eligible := []EligibilityKind{EligibilitySelfApproval, EligibilityPeerApproval, EligibilityExternalApproval}
	for _, kind := range eligible {
		if !(Eligibility{Kind: kind}).IsEligible() {
			t.Errorf("kind %v should be eligible", kind)
		}
	}
	if (Eligibility{Kind: EligibilityNone}).IsEligible() {
		t.Error("none should not be eligible")
	}
	if (Eligibility{Kind: EligibilityReviewer}).IsEligible() {
		t.Error("reviewer privilege is not an activatable entitlement")
	}
}

func TestSplitConjuncts(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"a && b", []string{"a", "b"}},
		{"(a && b)", []string{"(a && b)"}},
		{"a && (b && c) && d", []string{"a", "(b && c)", "d"}},
		{`a == "x && y" && b`, []string{`a == "x && y"`, "b"}},
		{"a == 'p && q' && b", []string{"a == 'p && q'", "b"}},
		{"a || b", []string{"a || b"}},
		{"single", []string{"single"}},
	}
	for _, tt := range tests {
		got := splitConjuncts(tt.expr)
		if len(got) != len(tt.want) {
			t.Errorf("splitConjuncts(%q) = %v, want %v", tt.expr, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitConjuncts(%q)[%d] = %q, want %q", tt.expr, i, got[i], tt.want[i])
			}
		}
	}
}

func TestWrapsWhole(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"(a && b)", true},
		{"((a))", true},
		{"(a) && (b)", false},
		{"a && b", false},
		{"(a", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := wrapsWhole(tt.expr); got != tt.want {
			t.Errorf("wrapsWhole(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
