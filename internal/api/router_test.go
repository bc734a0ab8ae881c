package api

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/copperline/jitbroker/internal/config"
	"github.com/copperline/jitbroker/internal/entitlement"
	brokererrors "github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/proposal"
)

type fakeCatalog struct {
	scopes     []entitlement.ProjectID
	scopesErr  error
	set        *entitlement.EntitlementSet
	setErr     error
	reviewers  []identity.UserID
	revErr     error
	lastUser   identity.UserID
	lastRole   entitlement.ProjectRole
	lastType   entitlement.ActivationType
	lastScope  entitlement.ProjectID
	setCalls   int
	scopeCalls int
}

func (f *fakeCatalog) ListScopes(ctx context.Context, user identity.UserID) ([]entitlement.ProjectID, error) {
	f.scopeCalls++
	f.lastUser = user
	return f.scopes, f.scopesErr
}

func (f *fakeCatalog) ListRequesterPrivileges(ctx context.Context, user identity.UserID, project entitlement.ProjectID) (*entitlement.EntitlementSet, error) {
	f.setCalls++
	f.lastUser = user
	f.lastScope = project
	if f.setErr != nil {
		return nil, f.setErr
	}
	if f.set != nil {
		return f.set, nil
	}
	return entitlement.NewEntitlementSet(), nil
}

func (f *fakeCatalog) ListReviewers(ctx context.Context, user identity.UserID, role entitlement.ProjectRole, activationType entitlement.ActivationType) ([]identity.UserID, error) {
	f.lastUser = user
	f.lastRole = role
	f.lastType = activationType
	return f.reviewers, f.revErr
}

type fakeActivation struct {
	activateErr error
	lastSubject identity.UserID
	lastRequest *entitlement.Request
}

func (f *fakeActivation) CreateJitRequest(user identity.UserID, roles []entitlement.ProjectRole, justification string, start time.Time, duration time.Duration) *entitlement.Request {
	return &entitlement.Request{
		ID:             "jit-test",
		RequestingUser: user,
		Roles:          roles,
		ActivationType: entitlement.SelfApproval(),
		Justification:  justification,
		StartTime:      start.UTC(),
		Duration:       duration,
	}
}

func (f *fakeActivation) CreateMpaRequest(user identity.UserID, roles []entitlement.ProjectRole, reviewers []identity.UserID, justification string, start time.Time, duration time.Duration) *entitlement.Request {
	return &entitlement.Request{
		ID:             "mpa-test",
		RequestingUser: user,
		Reviewers:      identity.SortUsers(reviewers),
		Roles:          roles,
		ActivationType: entitlement.PeerApproval(""),
		Justification:  justification,
		StartTime:      start.UTC(),
		Duration:       duration,
	}
}

func (f *fakeActivation) Activate(ctx context.Context, subject identity.UserID, req *entitlement.Request) (*entitlement.Activation, error) {
	f.lastSubject = subject
	f.lastRequest = req
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return &entitlement.Activation{ID: req.ID, Span: req.Span()}, nil
}

func (f *fakeActivation) MPAActivationType() entitlement.ActivationType {
	return entitlement.PeerApproval("")
}

type fakeProposals struct {
	proposeErr  error
	describeErr error
	approveErr  error
	described   *entitlement.Request
	lastToken   string
	lastUser    identity.UserID
	proposed    *entitlement.Request
}

func (f *fakeProposals) Propose(ctx context.Context, req *entitlement.Request) (*proposal.Proposal, error) {
	f.proposed = req
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	return &proposal.Proposal{
		Request:     req,
		Token:       "tok-1",
		ApprovalURL: "https://jit.example.com/api/proposal?token=tok-1",
		IssueTime:   req.StartTime.Add(-time.Hour),
		ExpiryTime:  req.StartTime.Add(-time.Hour).Add(time.Hour),
	}, nil
}

func (f *fakeProposals) Describe(ctx context.Context, tok string) (*entitlement.Request, error) {
	f.lastToken = tok
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return f.described, nil
}

func (f *fakeProposals) Approve(ctx context.Context, approver identity.UserID, tok string) (*proposal.Approval, error) {
	f.lastUser = approver
	f.lastToken = tok
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	req := f.described
	return &proposal.Approval{
		Request:    req,
		Activation: &entitlement.Activation{ID: req.ID, Span: req.Span()},
	}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Catalog.Scope = "organizations/1"
	cfg.Justification.Hint = "Bug or case number"
	return cfg
}

func testRouter(catalog *fakeCatalog, activator *fakeActivation, proposals *fakeProposals) http.Handler {
	auth, _ := NewAuthenticator(context.Background(), config.IAPConfig{})
	return NewRouter(testConfig(), auth, catalog, activator, proposals, "1.0.0-test").Handler()
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("X-Goog-Authenticated-User-Email", "accounts.google.com:alice@example.com")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func pendingRequest() *entitlement.Request {
	return &entitlement.Request{
		ID:             "mpa-42",
		RequestingUser: "alice@example.com",
		Reviewers:      []identity.UserID{"bob@example.com"},
		Roles:          []entitlement.ProjectRole{{ProjectID: "project-1", Role: "roles/compute.admin"}},
		ActivationType: entitlement.PeerApproval(""),
		Justification:  "incident 4711",
		StartTime:      time.Date(2040, 1, 1, 9, 0, 0, 0, time.UTC),
		Duration:       time.Hour,
	}
}

func TestScopes_RequiresAuthentication(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	req := httptest.NewRequest(http.MethodGet, "/api/scopes", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != string(brokererrors.ErrorTypeNotAuthenticated) {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestScopes_ListsProjects(t *testing.T) {
	catalog := &fakeCatalog{scopes: []entitlement.ProjectID{"project-1", "project-2"}}
	h := testRouter(catalog, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/scopes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if catalog.lastUser != "alice@example.com" {
		t.Errorf("catalog saw user %q, want the header identity", catalog.lastUser)
	}

	var resp struct {
		Scopes []string `json:"scopes"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Scopes) != 2 || resp.Scopes[0] != "project-1" {
		t.Errorf("scopes = %v", resp.Scopes)
	}
}

func TestScopes_RequestIDHeader(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	req := authedRequest(http.MethodGet, "/api/scopes", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want the incoming id honored", got)
	}
}

func TestPrivileges_RendersEntitlementSet(t *testing.T) {
	role := entitlement.ProjectRole{ProjectID: "project-1", Role: "roles/compute.admin"}
	set := entitlement.NewEntitlementSet()
	set.Available = []entitlement.RequesterPrivilege{{
		Name:           "roles/compute.admin",
		ProjectRole:    role,
		ActivationType: entitlement.SelfApproval(),
		Status:         entitlement.StatusAvailable,
	}}
	set.Current[role] = entitlement.Span{
		Start: time.Date(2040, 1, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2040, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	set.Warnings = []string{"binding 3 skipped"}

	catalog := &fakeCatalog{set: set}
	h := testRouter(catalog, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/scopes/project-1/privileges", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if catalog.lastScope != "project-1" {
		t.Errorf("catalog queried project %q", catalog.lastScope)
	}

	var resp privilegesResponse
	decodeBody(t, rec, &resp)
	if len(resp.Privileges) != 1 {
		t.Fatalf("privileges = %+v", resp.Privileges)
	}
	p := resp.Privileges[0]
	if p.Status != "ACTIVE" {
		t.Errorf("status = %q, want ACTIVE for a live window", p.Status)
	}
	if p.ValidUntil == nil || *p.ValidUntil != set.Current[role].End.Unix() {
		t.Errorf("validUntil = %v", p.ValidUntil)
	}
	if p.ID != "iam:project-1:roles/compute.admin" {
		t.Errorf("id = %q", p.ID)
	}
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v", resp.Warnings)
	}
}

func TestReviewers_RequiresRoleParameter(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/scopes/project-1/reviewers", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReviewers_ListsEligibleApprovers(t *testing.T) {
	catalog := &fakeCatalog{reviewers: []identity.UserID{"bob@example.com", "carol@example.com"}}
	h := testRouter(catalog, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet,
		"/api/scopes/project-1/reviewers?role=roles/compute.admin&type=PEER_APPROVAL:deployments", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if catalog.lastRole.Role != "roles/compute.admin" || catalog.lastRole.ProjectID != "project-1" {
		t.Errorf("catalog saw role %+v", catalog.lastRole)
	}
	if catalog.lastType.Topic != "deployments" {
		t.Errorf("catalog saw type %v, want the topic from the query", catalog.lastType)
	}

	var resp reviewersResponse
	decodeBody(t, rec, &resp)
	if len(resp.Reviewers) != 2 {
		t.Errorf("reviewers = %v", resp.Reviewers)
	}
	if resp.ActivationType != "PEER_APPROVAL:deployments" {
		t.Errorf("activationType = %q", resp.ActivationType)
	}
}

func TestActivate_ProvisionsAndReportsWindow(t *testing.T) {
	activator := &fakeActivation{}
	h := testRouter(&fakeCatalog{}, activator, &fakeProposals{})

	body, _ := json.Marshal(activateRequest{
		Roles:           []string{"roles/compute.admin"},
		Justification:   "incident 4711",
		DurationSeconds: 3600,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/scopes/project-1/activate", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if activator.lastSubject != "alice@example.com" {
		t.Errorf("subject = %q", activator.lastSubject)
	}
	if activator.lastRequest.Roles[0].ProjectID != "project-1" {
		t.Errorf("role bound to project %q", activator.lastRequest.Roles[0].ProjectID)
	}

	var resp activationResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ACTIVE" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.EndTime-resp.StartTime != 3600 {
		t.Errorf("window = [%d, %d), want one hour", resp.StartTime, resp.EndTime)
	}
}

func TestActivate_MapsAccessDenied(t *testing.T) {
	activator := &fakeActivation{
		activateErr: brokererrors.AccessDeniedf("activate", "project-1", "not eligible"),
	}
	h := testRouter(&fakeCatalog{}, activator, &fakeProposals{})

	body, _ := json.Marshal(activateRequest{Roles: []string{"roles/compute.admin"}, Justification: "x", DurationSeconds: 60})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/scopes/project-1/activate", body))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	if apiErr.Code != string(brokererrors.ErrorTypeAccessDenied) {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestActivate_HidesBackendDetails(t *testing.T) {
	activator := &fakeActivation{
		activateErr: brokererrors.Transient("provision", "project-1", goerrors.New("policy etag mismatch at revision 42")),
	}
	h := testRouter(&fakeCatalog{}, activator, &fakeProposals{})

	body, _ := json.Marshal(activateRequest{Roles: []string{"roles/compute.admin"}, Justification: "x", DurationSeconds: 60})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/scopes/project-1/activate", body))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "etag") {
		t.Error("backend failure detail leaked to the client")
	}
}

func TestPropose_ReturnsPendingSummary(t *testing.T) {
	proposals := &fakeProposals{}
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, proposals)

	body, _ := json.Marshal(proposeRequest{
		Roles:           []string{"roles/compute.admin"},
		Reviewers:       []string{"Bob@example.com"},
		Justification:   "incident 4711",
		DurationSeconds: 3600,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/scopes/project-1/propose", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if proposals.proposed == nil || proposals.proposed.ID != "mpa-test" {
		t.Fatalf("proposed = %+v", proposals.proposed)
	}

	var resp proposeResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "PENDING_APPROVAL" {
		t.Errorf("status = %q", resp.Status)
	}
	// Reviewer addresses are normalized to lowercase.
	if len(resp.Reviewers) != 1 || resp.Reviewers[0] != "bob@example.com" {
		t.Errorf("reviewers = %v", resp.Reviewers)
	}
	if resp.TokenExpiry == 0 {
		t.Error("missing token expiry")
	}
}

func TestPropose_RejectsInvalidReviewer(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	body, _ := json.Marshal(proposeRequest{
		Roles:           []string{"roles/compute.admin"},
		Reviewers:       []string{"not-an-email"},
		Justification:   "x",
		DurationSeconds: 3600,
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/scopes/project-1/propose", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDescribeProposal_ReviewerCanApprove(t *testing.T) {
	proposals := &fakeProposals{described: pendingRequest()}
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, proposals)

	req := httptest.NewRequest(http.MethodGet, "/api/proposal?token=tok-1", nil)
	req.Header.Set("X-Goog-Authenticated-User-Email", "accounts.google.com:bob@example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if proposals.lastToken != "tok-1" {
		t.Errorf("token = %q", proposals.lastToken)
	}

	var resp proposalView
	decodeBody(t, rec, &resp)
	if !resp.CanApprove {
		t.Error("a listed reviewer should be able to approve")
	}
	if resp.RequestingUser != "alice@example.com" {
		t.Errorf("requestingUser = %q", resp.RequestingUser)
	}
}

func TestDescribeProposal_RequesterCannotApprove(t *testing.T) {
	proposals := &fakeProposals{described: pendingRequest()}
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, proposals)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/proposal?token=tok-1", nil))

	var resp proposalView
	decodeBody(t, rec, &resp)
	if resp.CanApprove {
		t.Error("the requesting user must not be offered approval")
	}
}

func TestApproveProposal_TokenFromBody(t *testing.T) {
	proposals := &fakeProposals{described: pendingRequest()}
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, proposals)

	body, _ := json.Marshal(map[string]string{"token": "tok-9"})
	req := httptest.NewRequest(http.MethodPost, "/api/proposal", bytes.NewReader(body))
	req.Header.Set("X-Goog-Authenticated-User-Email", "accounts.google.com:bob@example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if proposals.lastToken != "tok-9" {
		t.Errorf("token = %q", proposals.lastToken)
	}
	if proposals.lastUser != "bob@example.com" {
		t.Errorf("approver = %q", proposals.lastUser)
	}

	var resp activationResponse
	decodeBody(t, rec, &resp)
	if resp.ID != "mpa-42" || resp.Status != "ACTIVE" {
		t.Errorf("response = %+v", resp)
	}
}

func TestApproveProposal_BadToken(t *testing.T) {
	proposals := &fakeProposals{
		approveErr: brokererrors.TokenVerification("verify_token", goerrors.New("signature mismatch")),
	}
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, proposals)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/proposal?token=bad", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "signature mismatch") {
		t.Error("verification detail leaked to the client")
	}
}

func TestScopeSubtree_UnknownAction(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/scopes/project-1/frobnicate", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestScopeSubtree_MethodNotAllowed(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/scopes/project-1/activate", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	var version struct {
		Version string `json:"version"`
	}
	decodeBody(t, rec, &version)
	if version.Version != "1.0.0-test" {
		t.Errorf("version = %q", version.Version)
	}
}

func TestPolicy_ExposesConstraints(t *testing.T) {
	h := testRouter(&fakeCatalog{}, &fakeActivation{}, &fakeProposals{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/policy", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		JustificationHint    string `json:"justificationHint"`
		MinActivationSeconds int64  `json:"minActivationSeconds"`
		MaxActivationSeconds int64  `json:"maxActivationSeconds"`
		MPAActivationType    string `json:"mpaActivationType"`
	}
	decodeBody(t, rec, &resp)
	if resp.JustificationHint != "Bug or case number" {
		t.Errorf("hint = %q", resp.JustificationHint)
	}
	if resp.MinActivationSeconds != 300 || resp.MaxActivationSeconds != 7200 {
		t.Errorf("bounds = [%d, %d]", resp.MinActivationSeconds, resp.MaxActivationSeconds)
	}
	if resp.MPAActivationType != "PEER_APPROVAL" {
		t.Errorf("mpaActivationType = %q", resp.MPAActivationType)
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/api/scopes", "/api/scopes"},
		{"/api/scopes/project-1/privileges", "/api/scopes/:project/privileges"},
		{"/api/scopes/project-1/activate", "/api/scopes/:project/activate"},
		{"/api/proposal?token=abc", "/api/proposal"},
		{"/api/proposal/" + strings.Repeat("x", 40), "/api/proposal/:token"},
	}
	for _, tt := range tests {
		if got := normalizeRoute(tt.path); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
