// Package proposal drives the multi-party approval handoff: it turns a
// verified request into a signed proposal token, mails the review link
// out, and on the way back exchanges a valid token for a provisioned
// activation.
package proposal

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/metrics"
	"github.com/copperline/jitbroker/internal/notifications"
	"github.com/copperline/jitbroker/internal/token"
)

// TokenService signs and verifies proposal tokens.
type TokenService interface {
	Sign(ctx context.Context, payload token.Payload, validity time.Duration) (*token.SignedToken, error)
	Verify(ctx context.Context, tokenString string) (*token.Payload, error)
}

// RequestVerifier checks a request before a token for it goes out.
type RequestVerifier interface {
	VerifyUserCanRequest(ctx context.Context, req *entitlement.Request) ([]entitlement.ProjectRole, error)
}

// ActivationApprover provisions an approved request.
type ActivationApprover interface {
	Approve(ctx context.Context, approver identity.UserID, req *entitlement.Request) (*entitlement.Activation, error)
}

// Options configure the handler.
type Options struct {
	// TokenValidity bounds how long an issued proposal stays
	// approvable.
	TokenValidity time.Duration
	// BaseURL is the externally reachable broker address the mailed
	// approval link points at.
	BaseURL string
}

// Proposal is one issued multi-party request awaiting approval.
type Proposal struct {
	Request     *entitlement.Request
	Token       string
	ApprovalURL string
	IssueTime   time.Time
	ExpiryTime  time.Time
}

// Approval is the outcome of a successful approval callback.
type Approval struct {
	Request    *entitlement.Request
	Activation *entitlement.Activation
}

// Handler orchestrates propose and approve.
type Handler struct {
	tokens   TokenService
	verifier RequestVerifier
	approver ActivationApprover
	notifier notifications.Notifier
	validity time.Duration
	baseURL  string
}

// NewHandler wires the handler. A zero TokenValidity defaults to one
// hour.
func NewHandler(tokens TokenService, verifier RequestVerifier, approver ActivationApprover, notifier notifications.Notifier, opts Options) *Handler {
	validity := opts.TokenValidity
	if validity <= 0 {
		validity = time.Hour
	}
	return &Handler{
		tokens:   tokens,
		verifier: verifier,
		approver: approver,
		notifier: notifier,
		validity: validity,
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
	}
}

// Propose verifies the request, issues a proposal token for it, and
// mails the approval link to the proposed reviewers with the requester
// in CC. The notification must go out: a proposal nobody can see is
// dead, so a send failure fails the propose.
func (h *Handler) Propose(ctx context.Context, req *entitlement.Request) (*Proposal, error) {
	const op = "propose"

	if !req.ActivationType.RequiresReviewers() {
		return nil, errors.MalformedRequestf(op, "request %s needs no approval", req.ID)
	}
	if _, err := h.verifier.VerifyUserCanRequest(ctx, req); err != nil {
		return nil, err
	}

	signed, err := h.tokens.Sign(ctx, token.FromRequest(req), h.validity)
	if err != nil {
		return nil, err
	}
	approvalURL := h.approvalURL(signed.Token)

	subject, htmlBody, textBody := notifications.ProposalEmail(notifications.ProposalEmailData{
		Requester:     req.RequestingUser.String(),
		Roles:         req.Roles,
		Justification: req.Justification,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime(),
		ApprovalURL:   approvalURL,
		TokenExpiry:   signed.ExpiryTime,
	})
	err = h.notifier.SendMail(ctx, notifications.Message{
		Kind:     "proposal",
		To:       userStrings(req.Reviewers),
		CC:       []string{req.RequestingUser.String()},
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return nil, errors.Transient(op, req.ID, err)
	}

	metrics.RecordProposalIssued()
	log.Info().
		Str("request", req.ID).
		Str("user", req.RequestingUser.String()).
		Int("reviewers", len(req.Reviewers)).
		Time("expiry", signed.ExpiryTime).
		Msg("Proposal issued")

	return &Proposal{
		Request:     req,
		Token:       signed.Token,
		ApprovalURL: approvalURL,
		IssueTime:   signed.IssueTime,
		ExpiryTime:  signed.ExpiryTime,
	}, nil
}

// Describe verifies a proposal token and returns the request it
// carries, so a reviewer can inspect what they are approving.
func (h *Handler) Describe(ctx context.Context, tokenString string) (*entitlement.Request, error) {
	payload, err := h.tokens.Verify(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	return payload.ToRequest()
}

// Approve exchanges a valid proposal token for a provisioned
// activation on behalf of the approver. The confirmation mail is best
// effort; the bindings are already live when it goes out.
func (h *Handler) Approve(ctx context.Context, approver identity.UserID, tokenString string) (*Approval, error) {
	payload, err := h.tokens.Verify(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	req, err := payload.ToRequest()
	if err != nil {
		return nil, err
	}

	activation, err := h.approver.Approve(ctx, approver, req)
	if err != nil {
		return nil, err
	}

	subject, htmlBody, textBody := notifications.ApprovalEmail(notifications.ApprovalEmailData{
		Requester:     req.RequestingUser.String(),
		Approver:      approver.String(),
		Roles:         req.Roles,
		Justification: req.Justification,
		StartTime:     activation.Span.Start,
		EndTime:       activation.Span.End,
	})
	err = h.notifier.SendMail(ctx, notifications.Message{
		Kind:     "approval",
		To:       []string{req.RequestingUser.String()},
		CC:       userStrings(req.Reviewers),
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("request", req.ID).
			Msg("Activation provisioned but confirmation mail failed")
	}

	log.Info().
		Str("request", req.ID).
		Str("user", req.RequestingUser.String()).
		Str("approver", approver.String()).
		Msg("Proposal approved")

	return &Approval{Request: req, Activation: activation}, nil
}

// approvalURL renders the link a reviewer follows to act on the token.
func (h *Handler) approvalURL(tokenString string) string {
	return h.baseURL + "/api/proposal?token=" + url.QueryEscape(tokenString)
}

func userStrings(users []identity.UserID) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.String())
	}
	return out
}
