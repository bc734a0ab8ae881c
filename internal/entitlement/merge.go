package entitlement

import "time"

// kindPriority orders activation kinds for dedupe: when one role is
// reachable through several approval flows, the cheapest flow is kept.
func kindPriority(k ActivationKind) int {
	switch k {
	case KindSelfApproval:
		return 3
	case KindPeerApproval:
		return 2
	case KindExternalApproval:
		return 1
	default:
		return 0
	}
}

// setBuilder accumulates candidate eligibilities and activation
// windows and resolves duplicates into one EntitlementSet. Candidates
// are fed outermost resource first, in source order; ties between
// equal-priority eligibilities keep the first candidate seen.
type setBuilder struct {
	now      time.Time
	statuses StatusSet

	available map[ProjectRole]RequesterPrivilege
	current   map[ProjectRole]Span
	expired   map[ProjectRole]Span
	warnings  []string
}

func newSetBuilder(now time.Time, statuses StatusSet) *setBuilder {
	return &setBuilder{
		now:       now,
		statuses:  statuses,
		available: make(map[ProjectRole]RequesterPrivilege),
		current:   make(map[ProjectRole]Span),
		expired:   make(map[ProjectRole]Span),
	}
}

// addEligibility records one activatable candidate. For a role that is
// both self-activatable and approval-gated, the self-approval variant
// wins.
func (b *setBuilder) addEligibility(role ProjectRole, at ActivationType) {
	if !b.statuses.Has(StatusAvailable) || at.IsNone() {
		return
	}
	if existing, ok := b.available[role]; ok {
		if kindPriority(at.Kind) <= kindPriority(existing.ActivationType.Kind) {
			return
		}
	}
	b.available[role] = RequesterPrivilege{
		Name:           role.Role,
		ProjectRole:    role,
		ActivationType: at,
		Status:         StatusAvailable,
	}
}

// addActivationWindow records one provisioned window for a role. When
// several windows reference the same role the latest-ending one wins
// within its bucket.
func (b *setBuilder) addActivationWindow(role ProjectRole, span Span) {
	if span.IsLive(b.now) {
		if !b.statuses.Has(StatusActive) {
			return
		}
		if existing, ok := b.current[role]; !ok || span.End.After(existing.End) {
			b.current[role] = span
		}
		return
	}

	if !b.statuses.Has(StatusExpired) {
		return
	}
	if existing, ok := b.expired[role]; !ok || span.End.After(existing.End) {
		b.expired[role] = span
	}
}

func (b *setBuilder) addWarning(msg string) {
	b.warnings = append(b.warnings, msg)
}

// build assembles the final set with a deterministic available order.
func (b *setBuilder) build() *EntitlementSet {
	set := &EntitlementSet{
		Current:  b.current,
		Expired:  b.expired,
		Warnings: b.warnings,
	}
	for _, priv := range b.available {
		set.Available = append(set.Available, priv)
	}
	set.sortAvailable()
	return set
}
