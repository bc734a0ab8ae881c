package entitlement

import (
	"time"

	"github.com/copperline/jitbroker/internal/identity"
)

// Request is one activation request: who wants which roles, under which
// approval flow, for which window. Reviewers are empty for
// self-approval and carry the proposed approvers otherwise.
type Request struct {
	ID             string
	RequestingUser identity.UserID
	Reviewers      []identity.UserID
	Roles          []ProjectRole
	ActivationType ActivationType
	Justification  string
	StartTime      time.Time
	Duration       time.Duration
}

// EndTime is the exclusive end of the requested window.
func (r *Request) EndTime() time.Time {
	return r.StartTime.Add(r.Duration)
}

// Span returns the requested activation window.
func (r *Request) Span() Span {
	return Span{Start: r.StartTime, End: r.EndTime()}
}

// Projects lists the distinct projects the request touches, sorted.
func (r *Request) Projects() []ProjectID {
	projects := make([]ProjectID, 0, len(r.Roles))
	for _, role := range r.Roles {
		projects = append(projects, role.ProjectID)
	}
	return SortProjects(projects)
}

// HasReviewer reports whether u is among the proposed reviewers.
func (r *Request) HasReviewer(u identity.UserID) bool {
	for _, reviewer := range r.Reviewers {
		if reviewer == u {
			return true
		}
	}
	return false
}
