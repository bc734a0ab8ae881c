// Package api exposes the broker over HTTP: entitlement discovery,
// activation, and the proposal approval callback. Handlers only
// orchestrate; all semantics live in the catalog, activator, and
// proposal packages.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/copperline/jitbroker/internal/config"
	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/proposal"
)

// CatalogService is the catalog slice the API serves.
type CatalogService interface {
	ListScopes(ctx context.Context, user identity.UserID) ([]entitlement.ProjectID, error)
	ListRequesterPrivileges(ctx context.Context, user identity.UserID, project entitlement.ProjectID) (*entitlement.EntitlementSet, error)
	ListReviewers(ctx context.Context, user identity.UserID, role entitlement.ProjectRole, activationType entitlement.ActivationType) ([]identity.UserID, error)
}

// ActivationService builds requests and executes the self-approval
// flow.
type ActivationService interface {
	CreateJitRequest(user identity.UserID, roles []entitlement.ProjectRole, justification string, startTime time.Time, duration time.Duration) *entitlement.Request
	CreateMpaRequest(user identity.UserID, roles []entitlement.ProjectRole, reviewers []identity.UserID, justification string, startTime time.Time, duration time.Duration) *entitlement.Request
	Activate(ctx context.Context, subject identity.UserID, req *entitlement.Request) (*entitlement.Activation, error)
	MPAActivationType() entitlement.ActivationType
}

// ProposalService drives the multi-party flow.
type ProposalService interface {
	Propose(ctx context.Context, req *entitlement.Request) (*proposal.Proposal, error)
	Describe(ctx context.Context, token string) (*entitlement.Request, error)
	Approve(ctx context.Context, approver identity.UserID, token string) (*proposal.Approval, error)
}

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	auth      *Authenticator
	catalog   CatalogService
	activator ActivationService
	proposals ProposalService
	version   string
	startTime time.Time
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, auth *Authenticator, catalog CatalogService, activator ActivationService, proposals ProposalService, version string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		auth:      auth,
		catalog:   catalog,
		activator: activator,
		proposals: proposals,
		version:   version,
		startTime: time.Now(),
	}
	r.setupRoutes()
	return r
}

// Handler returns the router wrapped in the error middleware. This is
// what the HTTP server serves.
func (r *Router) Handler() http.Handler {
	return ErrorHandler(r)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/policy", r.handlePolicy)
	r.mux.HandleFunc("/api/scopes", r.handleScopes)
	r.mux.HandleFunc("/api/scopes/", r.handleScopeSubtree)
	r.mux.HandleFunc("/api/proposal", r.handleProposal)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.addSecurityHeaders(w)
	r.mux.ServeHTTP(w, req)
}

// addSecurityHeaders adds security headers to the response. Responses
// carry entitlement data, so caches must never hold them.
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "no-store")
}

// handleScopeSubtree dispatches /api/scopes/{project}/{action}.
func (r *Router) handleScopeSubtree(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/scopes/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) != 2 || segments[0] == "" {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Unknown resource", nil)
		return
	}
	project := entitlement.ProjectID(segments[0])

	switch segments[1] {
	case "privileges":
		if req.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
			return
		}
		r.handleListPrivileges(w, req, project)
	case "reviewers":
		if req.Method != http.MethodGet {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
			return
		}
		r.handleListReviewers(w, req, project)
	case "activate":
		if req.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is supported", nil)
			return
		}
		r.handleActivate(w, req, project)
	case "propose":
		if req.Method != http.MethodPost {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is supported", nil)
			return
		}
		r.handlePropose(w, req, project)
	default:
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Unknown resource", nil)
	}
}
