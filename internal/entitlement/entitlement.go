package entitlement

import (
	"sort"
	"time"
)

// Span is a half-open activation window: start inclusive, end exclusive
type Span struct {
	Start time.Time
	End   time.Time
}

// IsLive reports whether the window has not yet ended. Windows that
// start in the future still count as live.
func (s Span) IsLive(now time.Time) bool {
	return s.End.After(now)
}

// Contains reports whether t falls inside the window
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Duration returns the length of the window
func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Status describes how a privilege relates to the caller right now
type Status uint8

const (
	StatusAvailable Status = iota
	StatusActive
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "AVAILABLE"
	}
}

// StatusSet selects which statuses a repository lookup should report
type StatusSet uint8

const (
	IncludeAvailable StatusSet = 1 << iota
	IncludeActive
	IncludeExpired
)

// Has reports whether the set includes s
func (set StatusSet) Has(s Status) bool {
	switch s {
	case StatusAvailable:
		return set&IncludeAvailable != 0
	case StatusActive:
		return set&IncludeActive != 0
	case StatusExpired:
		return set&IncludeExpired != 0
	default:
		return false
	}
}

// RequesterPrivilege is one role the caller may request, together with
// the approval flow it requires and its current status
type RequesterPrivilege struct {
	Name           string
	ProjectRole    ProjectRole
	ActivationType ActivationType
	Status         Status
	Validity       *Span
}

// EntitlementSet is the result of analyzing a user's eligible roles on
// one project. Available holds the deduplicated eligibilities; Current
// and Expired hold activation windows keyed by role. Warnings collect
// policy bindings that carried a marker but could not be interpreted.
type EntitlementSet struct {
	Available []RequesterPrivilege
	Current   map[ProjectRole]Span
	Expired   map[ProjectRole]Span
	Warnings  []string
}

// NewEntitlementSet returns an empty set with initialized maps
func NewEntitlementSet() *EntitlementSet {
	return &EntitlementSet{
		Current: make(map[ProjectRole]Span),
		Expired: make(map[ProjectRole]Span),
	}
}

// Privileges flattens the set into a status-tagged list. Available
// roles with a live activation window are reported ACTIVE; expired
// windows are appended as EXPIRED entries.
func (s *EntitlementSet) Privileges() []RequesterPrivilege {
	out := make([]RequesterPrivilege, 0, len(s.Available)+len(s.Expired))
	for _, priv := range s.Available {
		if span, ok := s.Current[priv.ProjectRole]; ok {
			v := span
			priv.Status = StatusActive
			priv.Validity = &v
		}
		out = append(out, priv)
	}

	expired := make([]ProjectRole, 0, len(s.Expired))
	for role := range s.Expired {
		expired = append(expired, role)
	}
	SortProjectRoles(expired)
	for _, role := range expired {
		span := s.Expired[role]
		out = append(out, RequesterPrivilege{
			Name:        role.Role,
			ProjectRole: role,
			Status:      StatusExpired,
			Validity:    &span,
		})
	}
	return out
}

// sortAvailable fixes the order of the available list
func (s *EntitlementSet) sortAvailable() {
	sort.Slice(s.Available, func(i, j int) bool {
		a, b := s.Available[i], s.Available[j]
		if a.ProjectRole.ID() != b.ProjectRole.ID() {
			return a.ProjectRole.ID() < b.ProjectRole.ID()
		}
		return a.ProjectRole.ResourceCondition < b.ProjectRole.ResourceCondition
	})
}

// Activation is the outcome of a successful activation: the bindings
// are provisioned and valid for the span
type Activation struct {
	ID   string
	Span Span
}
