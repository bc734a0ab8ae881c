// Package token canonicalizes activation requests and carries them
// through signed proposal tokens: an external oracle signs, the
// matching JWKS verifies.
package token

import (
	"time"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

// Payload is the canonical wire form of an activation request. Field
// order is fixed, reviewers are sorted, entitlements are sorted by
// stable id, and times are epoch seconds.
type Payload struct {
	ID             string   `json:"id"`
	RequestingUser string   `json:"requestingUser"`
	Reviewers      []string `json:"reviewers,omitempty"`
	Entitlements   []string `json:"entitlements"`
	Justification  string   `json:"justification"`
	ActivationType string   `json:"activationType"`
	StartTime      int64    `json:"startTime"`
	EndTime        int64    `json:"endTime"`
}

// FromRequest canonicalizes a request.
func FromRequest(req *entitlement.Request) Payload {
	// Stays nil when there are no reviewers so the wire form and its
	// decoded counterpart agree.
	var reviewers []string
	for _, r := range identity.SortUsers(req.Reviewers) {
		reviewers = append(reviewers, r.String())
	}

	roles := make([]entitlement.ProjectRole, len(req.Roles))
	copy(roles, req.Roles)
	entitlement.SortProjectRoles(roles)
	ids := make([]string, 0, len(roles))
	for _, role := range roles {
		ids = append(ids, role.ID())
	}

	return Payload{
		ID:             req.ID,
		RequestingUser: req.RequestingUser.String(),
		Reviewers:      reviewers,
		Entitlements:   ids,
		Justification:  req.Justification,
		ActivationType: req.ActivationType.String(),
		StartTime:      req.StartTime.Unix(),
		EndTime:        req.EndTime().Unix(),
	}
}

// ToRequest parses a payload back into a request. Resource conditions
// are absent from stable ids on purpose; they are re-derived from
// policy when the request is verified.
func (p Payload) ToRequest() (*entitlement.Request, error) {
	const op = "parse_payload"

	if p.ID == "" {
		return nil, errors.MalformedRequestf(op, "missing request id")
	}
	user, err := identity.NewUserID(p.RequestingUser)
	if err != nil {
		return nil, err
	}

	reviewers := make([]identity.UserID, 0, len(p.Reviewers))
	for _, r := range p.Reviewers {
		reviewer, err := identity.NewUserID(r)
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, reviewer)
	}

	roles := make([]entitlement.ProjectRole, 0, len(p.Entitlements))
	for _, id := range p.Entitlements {
		role, err := entitlement.ParseProjectRoleID(id)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return nil, errors.MalformedRequestf(op, "payload carries no entitlements")
	}

	activationType, err := entitlement.ParseActivationType(p.ActivationType)
	if err != nil {
		return nil, err
	}
	if p.EndTime <= p.StartTime {
		return nil, errors.MalformedRequestf(op, "window [%d, %d) is empty", p.StartTime, p.EndTime)
	}

	return &entitlement.Request{
		ID:             p.ID,
		RequestingUser: user,
		Reviewers:      identity.SortUsers(reviewers),
		Roles:          roles,
		ActivationType: activationType,
		Justification:  p.Justification,
		StartTime:      time.Unix(p.StartTime, 0).UTC(),
		Duration:       time.Duration(p.EndTime-p.StartTime) * time.Second,
	}, nil
}
