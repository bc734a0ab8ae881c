package entitlement

import (
	"context"
	"fmt"

	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/policy"
)

// Repository discovers which roles a user can activate and who can
// approve them. Two implementations exist: AnalyzerRepository walks the
// policy analyzer's org-wide view, InventoryRepository reconstructs the
// same answers from effective per-project policies plus the directory.
type Repository interface {
	// FindProjectsWithEntitlements lists the projects on which the
	// user holds at least one activatable role.
	FindProjectsWithEntitlements(ctx context.Context, user identity.UserID) ([]ProjectID, error)

	// FindEntitlements analyzes one project for the user. types
	// filters eligibilities by activation kind; topics are ignored
	// here and enforced at request verification time. statuses
	// selects which of available, active, and expired to report.
	FindEntitlements(ctx context.Context, user identity.UserID, project ProjectID, types []ActivationType, statuses StatusSet) (*EntitlementSet, error)

	// FindEntitlementHolders lists the users holding an eligibility
	// for the role that matches the activation type, the caller
	// excluded. These are the candidate peer approvers.
	FindEntitlementHolders(ctx context.Context, caller identity.UserID, role ProjectRole, activationType ActivationType) ([]identity.UserID, error)

	// FindReviewers lists the users holding a reviewer privilege for
	// the role whose stored topic matches the requested one, the
	// caller excluded.
	FindReviewers(ctx context.Context, caller identity.UserID, role ProjectRole, topic string) ([]identity.UserID, error)
}

// Source labels for metrics and logs
const (
	SourcePolicyAnalyzer = "analyzer"
	SourceAssetInventory = "inventory"
)

// activationTypeFor maps a classified eligibility to the activation
// flow it demands. Reviewer markers grant no activatable role.
func activationTypeFor(e policy.Eligibility) ActivationType {
	switch e.Kind {
	case policy.EligibilitySelfApproval:
		return SelfApproval()
	case policy.EligibilityPeerApproval:
		return PeerApproval(e.Topic)
	case policy.EligibilityExternalApproval:
		return ExternalApproval(e.Topic)
	default:
		return None()
	}
}

// kindRequested reports whether any requested type asks for the given
// kind. Topics are deliberately not compared: listing shows every
// variant, and topic compatibility is checked when a request is
// verified against a concrete eligibility.
func kindRequested(types []ActivationType, kind ActivationKind) bool {
	for _, t := range types {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// topicMatches applies the wildcard rule for stored topics: an
// eligibility without a topic serves any requested topic.
func topicMatches(stored, requested string) bool {
	return stored == "" || stored == requested
}

// AllActivationTypes is the unfiltered type selector used when listing
// a user's full catalog.
func AllActivationTypes() []ActivationType {
	return []ActivationType{SelfApproval(), PeerApproval(""), ExternalApproval("")}
}

// classifyBinding interprets one binding condition against our grammar.
// It feeds the builder directly: activation windows land in the
// current or expired bucket, eligibilities in available, and malformed
// conditions become warnings. covered names the projects the binding
// effectively spans.
func classifyBinding(b *setBuilder, role string, cond *policy.Condition, covered []ProjectID, types []ActivationType) {
	window, err := policy.ParseActivationWindow(cond)
	if err != nil {
		b.addWarning(fmt.Sprintf("role %s: %v", role, err))
		return
	}
	if window != nil {
		for _, p := range covered {
			b.addActivationWindow(
				ProjectRole{ProjectID: p, Role: role, ResourceCondition: window.ResourceCondition},
				Span{Start: window.Start, End: window.End},
			)
		}
		return
	}

	elig, err := policy.ClassifyEligibility(cond)
	if err != nil {
		b.addWarning(fmt.Sprintf("role %s: %v", role, err))
		return
	}
	at := activationTypeFor(elig)
	if at.IsNone() || !kindRequested(types, at.Kind) {
		return
	}
	for _, p := range covered {
		b.addEligibility(ProjectRole{ProjectID: p, Role: role, ResourceCondition: elig.ResourceCondition}, at)
	}
}

// matchesHolderQuery interprets a condition for approver discovery.
// wantReviewer selects reviewer markers with a matching topic;
// otherwise the eligibility must match the requested activation type.
func matchesHolderQuery(cond *policy.Condition, requested ActivationType, topic string, wantReviewer bool) bool {
	elig, err := policy.ClassifyEligibility(cond)
	if err != nil {
		return false
	}
	if wantReviewer {
		return elig.Kind == policy.EligibilityReviewer && topicMatches(elig.Topic, topic)
	}
	stored := activationTypeFor(elig)
	if stored.IsNone() {
		return false
	}
	return stored.Matches(requested)
}
