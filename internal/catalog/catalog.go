// Package catalog is the user-facing façade over the entitlement
// repository: listing scopes and privileges, resolving reviewers, and
// the authorization checks every activation request must pass.
package catalog

import (
	"context"
	"time"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

// ProjectSearcher is the slice of the resource manager the catalog uses
// for query-driven scope listing.
type ProjectSearcher interface {
	SearchProjects(ctx context.Context, query string) ([]entitlement.ProjectID, error)
}

// Options bound what the catalog accepts.
type Options struct {
	Scope                 string
	ProjectQuery          string
	MinActivationDuration time.Duration
	MaxActivationDuration time.Duration
	MinReviewers          int
	MaxReviewers          int
}

// Catalog answers what a user may request and verifies requests before
// they reach the activator.
type Catalog struct {
	repo     entitlement.Repository
	projects ProjectSearcher
	opts     Options
}

// New returns a catalog over the repository. projects may be nil when
// no project query is configured.
func New(repo entitlement.Repository, projects ProjectSearcher, opts Options) *Catalog {
	return &Catalog{repo: repo, projects: projects, opts: opts}
}

// ListScopes lists the projects the user can browse, sorted. A
// configured project query takes precedence over per-user discovery.
func (c *Catalog) ListScopes(ctx context.Context, user identity.UserID) ([]entitlement.ProjectID, error) {
	if c.opts.ProjectQuery != "" {
		projects, err := c.projects.SearchProjects(ctx, c.opts.ProjectQuery)
		if err != nil {
			return nil, errors.Transient("list_scopes", c.opts.ProjectQuery, err)
		}
		return entitlement.SortProjects(projects), nil
	}

	projects, err := c.repo.FindProjectsWithEntitlements(ctx, user)
	if err != nil {
		return nil, err
	}
	return entitlement.SortProjects(projects), nil
}

// ListRequesterPrivileges lists everything the user can request or has
// active on the project.
func (c *Catalog) ListRequesterPrivileges(ctx context.Context, user identity.UserID, project entitlement.ProjectID) (*entitlement.EntitlementSet, error) {
	return c.repo.FindEntitlements(ctx, user, project,
		entitlement.AllActivationTypes(),
		entitlement.IncludeAvailable|entitlement.IncludeActive)
}

// ListReviewers lists who can approve the user's activation of the
// role. The user must itself be eligible for the privilege under the
// requested activation type; peers come from matching entitlement
// holders, external reviewers from reviewer-privilege holders.
func (c *Catalog) ListReviewers(ctx context.Context, user identity.UserID, role entitlement.ProjectRole, activationType entitlement.ActivationType) ([]identity.UserID, error) {
	if !activationType.RequiresReviewers() {
		return nil, errors.MalformedRequestf("list_reviewers", "activation type %s requires no reviewers", activationType)
	}
	if _, err := c.resolveRoles(ctx, user, activationType, []entitlement.ProjectRole{role}); err != nil {
		return nil, err
	}

	switch activationType.Kind {
	case entitlement.KindPeerApproval:
		return c.repo.FindEntitlementHolders(ctx, user, role, activationType)
	default:
		return c.repo.FindReviewers(ctx, user, role, activationType.Topic)
	}
}

// ValidateRequest checks a request against the configured bounds. It
// inspects the request alone; eligibility is checked separately.
func (c *Catalog) ValidateRequest(req *entitlement.Request) error {
	const op = "validate_request"

	if req.RequestingUser == "" {
		return errors.MalformedRequestf(op, "missing requesting user")
	}
	if len(req.Roles) == 0 {
		return errors.MalformedRequestf(op, "a request needs at least one role")
	}
	if req.Duration <= 0 {
		return errors.MalformedRequestf(op, "activation duration must be positive")
	}
	if req.Duration < c.opts.MinActivationDuration || req.Duration > c.opts.MaxActivationDuration {
		return errors.MalformedRequestf(op, "activation duration %s outside [%s, %s]",
			req.Duration, c.opts.MinActivationDuration, c.opts.MaxActivationDuration)
	}
	if topic := req.ActivationType.Topic; topic != "" && !entitlement.ValidTopic(topic) {
		return errors.MalformedRequestf(op, "invalid topic %q", topic)
	}

	if !req.ActivationType.RequiresReviewers() {
		if len(req.Reviewers) > 0 {
			return errors.MalformedRequestf(op, "self-approval carries no reviewers")
		}
		return nil
	}

	if n := len(req.Reviewers); n < c.opts.MinReviewers || n > c.opts.MaxReviewers {
		return errors.MalformedRequestf(op, "number of reviewers %d outside [%d, %d]",
			n, c.opts.MinReviewers, c.opts.MaxReviewers)
	}
	if req.HasReviewer(req.RequestingUser) {
		return errors.MalformedRequestf(op, "requesting user cannot review their own request")
	}
	return nil
}

// VerifyUserCanActivateRequesterPrivileges asserts the user holds an
// AVAILABLE privilege matching the activation type for every role. On
// success it returns the roles as stored in policy, with their resource
// conditions, so provisioning narrows bindings the same way the
// eligibility does.
func (c *Catalog) VerifyUserCanActivateRequesterPrivileges(ctx context.Context, user identity.UserID, project entitlement.ProjectID, activationType entitlement.ActivationType, roles []entitlement.ProjectRole) ([]entitlement.ProjectRole, error) {
	for _, role := range roles {
		if role.ProjectID != project {
			return nil, errors.MalformedRequestf("verify_privileges", "role %s is outside project %s", role.ID(), project)
		}
	}
	return c.resolveRoles(ctx, user, activationType, roles)
}

// VerifyUserCanRequest composes request validation with the requesting
// user's eligibility check and returns the resolved roles.
func (c *Catalog) VerifyUserCanRequest(ctx context.Context, req *entitlement.Request) ([]entitlement.ProjectRole, error) {
	if err := c.ValidateRequest(req); err != nil {
		return nil, err
	}
	return c.resolveRoles(ctx, req.RequestingUser, req.ActivationType, req.Roles)
}

// VerifyUserCanApprove asserts the approver may approve every role in
// the request: a matching peer for peer approval, a reviewer-privilege
// holder for external approval.
func (c *Catalog) VerifyUserCanApprove(ctx context.Context, approver identity.UserID, req *entitlement.Request) error {
	const op = "verify_approver"

	if !req.ActivationType.RequiresReviewers() {
		return errors.MalformedRequestf(op, "activation type %s has no approval step", req.ActivationType)
	}
	if approver == req.RequestingUser {
		return errors.AccessDeniedf(op, "", "requesting user cannot approve their own request")
	}

	for _, role := range req.Roles {
		var (
			eligible []identity.UserID
			err      error
		)
		switch req.ActivationType.Kind {
		case entitlement.KindPeerApproval:
			eligible, err = c.repo.FindEntitlementHolders(ctx, req.RequestingUser, role, req.ActivationType)
		default:
			eligible, err = c.repo.FindReviewers(ctx, req.RequestingUser, role, req.ActivationType.Topic)
		}
		if err != nil {
			return err
		}
		if !containsUser(eligible, approver) {
			return errors.AccessDeniedf(op, role.ID(), "user %s cannot approve activation of %s", approver, role.ID())
		}
	}
	return nil
}

// resolveRoles matches each requested role against the user's AVAILABLE
// privileges, fetching each project's entitlements once.
func (c *Catalog) resolveRoles(ctx context.Context, user identity.UserID, activationType entitlement.ActivationType, roles []entitlement.ProjectRole) ([]entitlement.ProjectRole, error) {
	sets := make(map[entitlement.ProjectID]*entitlement.EntitlementSet)
	resolved := make([]entitlement.ProjectRole, 0, len(roles))
	for _, role := range roles {
		set, ok := sets[role.ProjectID]
		if !ok {
			var err error
			set, err = c.repo.FindEntitlements(ctx, user, role.ProjectID,
				[]entitlement.ActivationType{activationType}, entitlement.IncludeAvailable)
			if err != nil {
				return nil, err
			}
			sets[role.ProjectID] = set
		}

		match, ok := matchAvailable(set.Available, role, activationType)
		if !ok {
			return nil, errors.AccessDeniedf("verify_privileges", role.ID(),
				"user %s is not allowed to activate %s as %s", user, role.ID(), activationType)
		}
		resolved = append(resolved, match)
	}
	return resolved, nil
}

// matchAvailable finds the stored privilege for a requested role. The
// stored activation type must match under the topic-wildcard rule;
// resource conditions come from the stored side.
func matchAvailable(available []entitlement.RequesterPrivilege, role entitlement.ProjectRole, activationType entitlement.ActivationType) (entitlement.ProjectRole, bool) {
	for _, priv := range available {
		if priv.ProjectRole.SameRole(role) && priv.ActivationType.Matches(activationType) {
			return priv.ProjectRole, true
		}
	}
	return entitlement.ProjectRole{}, false
}

func containsUser(users []identity.UserID, user identity.UserID) bool {
	for _, u := range users {
		if u == user {
			return true
		}
	}
	return false
}
