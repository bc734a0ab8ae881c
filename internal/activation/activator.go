// Package activation builds activation requests and provisions the
// temporary conditional bindings they resolve to.
package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/justification"
	"github.com/copperline/jitbroker/internal/metrics"
	"github.com/copperline/jitbroker/internal/policy"
	"github.com/copperline/jitbroker/pkg/resourcemanager"
)

// RequestVerifier is the catalog slice the activator depends on.
type RequestVerifier interface {
	VerifyUserCanRequest(ctx context.Context, req *entitlement.Request) ([]entitlement.ProjectRole, error)
	VerifyUserCanApprove(ctx context.Context, approver identity.UserID, req *entitlement.Request) error
}

// PolicyWriter is the mutator slice that plants bindings.
type PolicyWriter interface {
	AddProjectIamBinding(ctx context.Context, project entitlement.ProjectID, binding policy.Binding, opts resourcemanager.BindingOptions, description string) error
}

// Options configure request construction.
type Options struct {
	// MPAActivationType is the approval flow minted for multi-party
	// requests: PeerApproval or ExternalApproval, optionally with a
	// topic. Zero value selects untopiced peer approval.
	MPAActivationType entitlement.ActivationType
}

// Activator turns verified requests into live bindings.
type Activator struct {
	verifier      RequestVerifier
	writer        PolicyWriter
	justification justification.Policy
	mpaType       entitlement.ActivationType
	now           func() time.Time
	newID         func() string
}

// New returns an activator provisioning through the given writer.
func New(verifier RequestVerifier, writer PolicyWriter, justificationPolicy justification.Policy, opts Options) *Activator {
	mpaType := opts.MPAActivationType
	if mpaType.IsNone() {
		mpaType = entitlement.PeerApproval("")
	}
	return &Activator{
		verifier:      verifier,
		writer:        writer,
		justification: justificationPolicy,
		mpaType:       mpaType,
		now:           time.Now,
		newID:         func() string { return ulid.Make().String() },
	}
}

// CreateJitRequest builds a self-approval request.
func (a *Activator) CreateJitRequest(user identity.UserID, roles []entitlement.ProjectRole, justificationText string, startTime time.Time, duration time.Duration) *entitlement.Request {
	return &entitlement.Request{
		ID:             "jit-" + a.newID(),
		RequestingUser: user,
		Roles:          roles,
		ActivationType: entitlement.SelfApproval(),
		Justification:  justificationText,
		StartTime:      startTime.UTC(),
		Duration:       duration,
	}
}

// CreateMpaRequest builds a multi-party request for the configured
// approval flow.
func (a *Activator) CreateMpaRequest(user identity.UserID, roles []entitlement.ProjectRole, reviewers []identity.UserID, justificationText string, startTime time.Time, duration time.Duration) *entitlement.Request {
	return &entitlement.Request{
		ID:             "mpa-" + a.newID(),
		RequestingUser: user,
		Reviewers:      identity.SortUsers(reviewers),
		Roles:          roles,
		ActivationType: a.mpaType,
		Justification:  justificationText,
		StartTime:      startTime.UTC(),
		Duration:       duration,
	}
}

// MPAActivationType exposes the flow CreateMpaRequest mints, so callers
// can resolve reviewers for the same flow.
func (a *Activator) MPAActivationType() entitlement.ActivationType {
	return a.mpaType
}

// Activate provisions a self-approval request. subject must be the
// requesting user.
func (a *Activator) Activate(ctx context.Context, subject identity.UserID, req *entitlement.Request) (*entitlement.Activation, error) {
	const op = "activate"

	if subject != req.RequestingUser {
		return nil, errors.AccessDeniedf(op, req.ID, "request %s belongs to another user", req.ID)
	}
	if req.ActivationType.Kind != entitlement.KindSelfApproval {
		return nil, errors.MalformedRequestf(op, "request %s is not self-approved", req.ID)
	}

	resolved, err := a.verify(ctx, req)
	if err != nil {
		metrics.RecordActivation(req.ActivationType.String(), err)
		return nil, err
	}

	description := fmt.Sprintf("Self-approved, justification: %s", req.Justification)
	activation, err := a.provision(ctx, req, resolved, description)
	metrics.RecordActivation(req.ActivationType.String(), err)
	return activation, err
}

// Approve provisions a multi-party request on behalf of an approver.
// The requester's eligibility is re-verified at approval time.
func (a *Activator) Approve(ctx context.Context, approver identity.UserID, req *entitlement.Request) (*entitlement.Activation, error) {
	const op = "approve"

	if !req.ActivationType.RequiresReviewers() {
		return nil, errors.MalformedRequestf(op, "request %s needs no approval", req.ID)
	}
	if approver == req.RequestingUser {
		return nil, errors.AccessDeniedf(op, req.ID, "requesting user cannot approve their own request")
	}
	if !req.HasReviewer(approver) {
		return nil, errors.AccessDeniedf(op, req.ID, "user %s was not proposed as a reviewer", approver)
	}

	resolved, err := a.verify(ctx, req)
	if err != nil {
		metrics.RecordActivation(req.ActivationType.String(), err)
		return nil, err
	}
	if err := a.verifier.VerifyUserCanApprove(ctx, approver, req); err != nil {
		metrics.RecordActivation(req.ActivationType.String(), err)
		return nil, err
	}

	description := fmt.Sprintf("Approved by %s, justification: %s", approver, req.Justification)
	activation, err := a.provision(ctx, req, resolved, description)
	metrics.RecordActivation(req.ActivationType.String(), err)
	return activation, err
}

// verify runs the checks shared by both flows: justification, window
// liveness, and the requester's eligibility.
func (a *Activator) verify(ctx context.Context, req *entitlement.Request) ([]entitlement.ProjectRole, error) {
	if err := a.justification.CheckJustification(req.RequestingUser, req.Justification); err != nil {
		return nil, err
	}
	if !req.EndTime().After(a.now()) {
		return nil, errors.MalformedRequestf("verify_request", "activation window of request %s has already ended", req.ID)
	}
	return a.verifier.VerifyUserCanRequest(ctx, req)
}

// provision plants one conditional binding per resolved role. Every
// role is attempted; failures are aggregated so a retry can fill the
// gaps, which the purge option keeps idempotent.
func (a *Activator) provision(ctx context.Context, req *entitlement.Request, roles []entitlement.ProjectRole, description string) (*entitlement.Activation, error) {
	start := req.StartTime.UTC()
	end := req.EndTime().UTC()
	member := req.RequestingUser.PrincipalIdentifier()

	errs := make([]error, 0, len(roles))
	for _, role := range roles {
		binding := policy.Binding{
			Role:      role.Role,
			Members:   []string{member},
			Condition: policy.ActivationCondition(start, end, role.ResourceCondition, description),
		}
		err := a.writer.AddProjectIamBinding(ctx, role.ProjectID, binding,
			resourcemanager.BindingOptions{PurgeExistingTemporaryBindings: true}, description)
		if err != nil {
			errs = append(errs, errors.Transient("provision_binding", role.ID(), err))
			continue
		}
		metrics.BindingsProvisionedTotal.Inc()
	}
	if err := errors.NewAggregateError("provision", errs); err != nil {
		return nil, err
	}

	log.Info().
		Str("request", req.ID).
		Str("user", req.RequestingUser.String()).
		Int("roles", len(roles)).
		Time("start", start).
		Time("end", end).
		Msg("Activation provisioned")

	return &entitlement.Activation{ID: req.ID, Span: entitlement.Span{Start: start, End: end}}, nil
}
