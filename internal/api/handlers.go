package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

// privilegeView is the wire form of one requestable privilege.
type privilegeView struct {
	Name           string `json:"name"`
	Project        string `json:"project"`
	Role           string `json:"role"`
	ID             string `json:"id"`
	ActivationType string `json:"activationType"`
	Status         string `json:"status"`
	ValidFrom      *int64 `json:"validFrom,omitempty"`
	ValidUntil     *int64 `json:"validUntil,omitempty"`
}

type privilegesResponse struct {
	Project    string          `json:"project"`
	Privileges []privilegeView `json:"privileges"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type reviewersResponse struct {
	Project        string   `json:"project"`
	Role           string   `json:"role"`
	ActivationType string   `json:"activationType"`
	Reviewers      []string `json:"reviewers"`
}

// activateRequest asks for immediate self-approved activation. Roles
// are role names within the project addressed by the URL.
type activateRequest struct {
	Roles           []string `json:"roles"`
	Justification   string   `json:"justification"`
	StartTime       *int64   `json:"startTime,omitempty"` // epoch seconds, default now
	DurationSeconds int64    `json:"durationSeconds"`
}

type activationResponse struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Roles     []string `json:"roles"`
	StartTime int64    `json:"startTime"`
	EndTime   int64    `json:"endTime"`
}

// proposeRequest asks for activation pending multi-party approval.
type proposeRequest struct {
	Roles           []string `json:"roles"`
	Reviewers       []string `json:"reviewers"`
	Justification   string   `json:"justification"`
	StartTime       *int64   `json:"startTime,omitempty"`
	DurationSeconds int64    `json:"durationSeconds"`
}

type proposeResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Roles       []string `json:"roles"`
	Reviewers   []string `json:"reviewers"`
	StartTime   int64    `json:"startTime"`
	EndTime     int64    `json:"endTime"`
	TokenExpiry int64    `json:"tokenExpiry"`
}

// proposalView renders a pending proposal for a reviewer.
type proposalView struct {
	ID             string   `json:"id"`
	RequestingUser string   `json:"requestingUser"`
	Reviewers      []string `json:"reviewers"`
	Roles          []string `json:"roles"`
	Justification  string   `json:"justification"`
	ActivationType string   `json:"activationType"`
	StartTime      int64    `json:"startTime"`
	EndTime        int64    `json:"endTime"`
	CanApprove     bool     `json:"canApprove"`
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	})
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": r.version,
		"runtime": "go",
	})
}

// handlePolicy exposes the activation constraints and justification
// hint so clients can validate before submitting.
func (r *Router) handlePolicy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
		return
	}
	if _, err := r.auth.Identify(req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"justificationHint":    r.config.Justification.Hint,
		"minActivationSeconds": int64(r.config.Catalog.MinActivationDuration().Seconds()),
		"maxActivationSeconds": int64(r.config.Catalog.MaxActivationDuration().Seconds()),
		"minReviewers":         r.config.Catalog.MinReviewers,
		"maxReviewers":         r.config.Catalog.MaxReviewers,
		"mpaActivationType":    r.activator.MPAActivationType().String(),
	})
}

// handleScopes lists the projects the caller holds entitlements on.
func (r *Router) handleScopes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported", nil)
		return
	}
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	projects, err := r.catalog.ListScopes(req.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}

	scopes := make([]string, 0, len(projects))
	for _, p := range projects {
		scopes = append(scopes, p.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

func (r *Router) handleListPrivileges(w http.ResponseWriter, req *http.Request, project entitlement.ProjectID) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	set, err := r.catalog.ListRequesterPrivileges(req.Context(), user, project)
	if err != nil {
		writeError(w, err)
		return
	}

	privs := set.Privileges()
	views := make([]privilegeView, 0, len(privs))
	for _, p := range privs {
		v := privilegeView{
			Name:           p.Name,
			Project:        p.ProjectRole.ProjectID.String(),
			Role:           p.ProjectRole.Role,
			ID:             p.ProjectRole.ID(),
			ActivationType: p.ActivationType.String(),
			Status:         p.Status.String(),
		}
		if p.Validity != nil {
			from, until := p.Validity.Start.Unix(), p.Validity.End.Unix()
			v.ValidFrom, v.ValidUntil = &from, &until
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, privilegesResponse{
		Project:    project.String(),
		Privileges: views,
		Warnings:   set.Warnings,
	})
}

func (r *Router) handleListReviewers(w http.ResponseWriter, req *http.Request, project entitlement.ProjectID) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	roleName := req.URL.Query().Get("role")
	if roleName == "" {
		writeError(w, errors.MalformedRequestf("list_reviewers", "query parameter role is required"))
		return
	}
	activationType := r.activator.MPAActivationType()
	if raw := req.URL.Query().Get("type"); raw != "" {
		activationType, err = entitlement.ParseActivationType(raw)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	role := entitlement.ProjectRole{ProjectID: project, Role: roleName}
	reviewers, err := r.catalog.ListReviewers(req.Context(), user, role, activationType)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, reviewersResponse{
		Project:        project.String(),
		Role:           roleName,
		ActivationType: activationType.String(),
		Reviewers:      userStrings(reviewers),
	})
}

func (r *Router) handleActivate(w http.ResponseWriter, req *http.Request, project entitlement.ProjectID) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var body activateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, errors.MalformedRequestf("activate", "invalid request payload: %v", err))
		return
	}

	request := r.activator.CreateJitRequest(user,
		projectRoles(project, body.Roles), body.Justification,
		startTime(body.StartTime), time.Duration(body.DurationSeconds)*time.Second)

	activation, err := r.activator.Activate(req.Context(), user, request)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activationResponse{
		ID:        activation.ID,
		Status:    entitlement.StatusActive.String(),
		Roles:     body.Roles,
		StartTime: activation.Span.Start.Unix(),
		EndTime:   activation.Span.End.Unix(),
	})
}

func (r *Router) handlePropose(w http.ResponseWriter, req *http.Request, project entitlement.ProjectID) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var body proposeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, errors.MalformedRequestf("propose", "invalid request payload: %v", err))
		return
	}

	reviewers := make([]identity.UserID, 0, len(body.Reviewers))
	for _, raw := range body.Reviewers {
		reviewer, err := identity.NewUserID(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		reviewers = append(reviewers, reviewer)
	}

	request := r.activator.CreateMpaRequest(user,
		projectRoles(project, body.Roles), reviewers, body.Justification,
		startTime(body.StartTime), time.Duration(body.DurationSeconds)*time.Second)

	prop, err := r.proposals.Propose(req.Context(), request)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, proposeResponse{
		ID:          request.ID,
		Status:      "PENDING_APPROVAL",
		Roles:       body.Roles,
		Reviewers:   userStrings(request.Reviewers),
		StartTime:   request.StartTime.Unix(),
		EndTime:     request.EndTime().Unix(),
		TokenExpiry: prop.ExpiryTime.Unix(),
	})
}

// handleProposal serves the approval callback: GET renders the pending
// request for a reviewer, POST approves it.
func (r *Router) handleProposal(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleDescribeProposal(w, req)
	case http.MethodPost:
		r.handleApproveProposal(w, req)
	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST are supported", nil)
	}
}

func (r *Router) handleDescribeProposal(w http.ResponseWriter, req *http.Request) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		writeError(w, errors.MalformedRequestf("describe_proposal", "query parameter token is required"))
		return
	}

	request, err := r.proposals.Describe(req.Context(), tokenString)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, proposalView{
		ID:             request.ID,
		RequestingUser: request.RequestingUser.String(),
		Reviewers:      userStrings(request.Reviewers),
		Roles:          roleIDs(request.Roles),
		Justification:  request.Justification,
		ActivationType: request.ActivationType.String(),
		StartTime:      request.StartTime.Unix(),
		EndTime:        request.EndTime().Unix(),
		CanApprove:     request.HasReviewer(user) && user != request.RequestingUser,
	})
}

func (r *Router) handleApproveProposal(w http.ResponseWriter, req *http.Request) {
	user, err := r.auth.Identify(req)
	if err != nil {
		writeError(w, err)
		return
	}

	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil {
			tokenString = body.Token
		}
	}
	if tokenString == "" {
		writeError(w, errors.MalformedRequestf("approve_proposal", "proposal token is required"))
		return
	}

	approval, err := r.proposals.Approve(req.Context(), user, tokenString)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activationResponse{
		ID:        approval.Activation.ID,
		Status:    entitlement.StatusActive.String(),
		Roles:     roleIDs(approval.Request.Roles),
		StartTime: approval.Activation.Span.Start.Unix(),
		EndTime:   approval.Activation.Span.End.Unix(),
	})
}

// projectRoles binds role names to the project addressed by the URL.
func projectRoles(project entitlement.ProjectID, names []string) []entitlement.ProjectRole {
	roles := make([]entitlement.ProjectRole, 0, len(names))
	for _, name := range names {
		roles = append(roles, entitlement.ProjectRole{ProjectID: project, Role: name})
	}
	return roles
}

func roleIDs(roles []entitlement.ProjectRole) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, role.ID())
	}
	return out
}

func userStrings(users []identity.UserID) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.String())
	}
	return out
}

// startTime resolves an optional epoch-seconds start to a time,
// defaulting to now.
func startTime(epoch *int64) time.Time {
	if epoch == nil {
		return time.Now().UTC()
	}
	return time.Unix(*epoch, 0).UTC()
}
