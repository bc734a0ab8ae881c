package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/metrics"
	"github.com/copperline/jitbroker/internal/policy"
	"github.com/copperline/jitbroker/pkg/policyanalyzer"
)

// projectGetPermission marks a principal as having any access to a
// project at all; the analyzer uses it to enumerate candidate projects.
const projectGetPermission = "resourcemanager.projects.get"

// AnalyzerAPI is the slice of the policy analyzer client the
// repository consumes.
type AnalyzerAPI interface {
	AnalyzeIamPolicy(ctx context.Context, scope string, query policyanalyzer.Query) (*policyanalyzer.Analysis, error)
}

// AnalyzerRepository answers entitlement queries from the policy
// analyzer's org-wide view. The analyzer expands groups and inherited
// bindings on our behalf, so no directory access is needed.
type AnalyzerRepository struct {
	api   AnalyzerAPI
	scope string
	now   func() time.Time
}

// NewAnalyzerRepository returns a repository reading from the analyzer
// under the given organization scope, e.g. "organizations/1234".
func NewAnalyzerRepository(api AnalyzerAPI, scope string) *AnalyzerRepository {
	return &AnalyzerRepository{api: api, scope: scope, now: time.Now}
}

// FindProjectsWithEntitlements lists projects where the user holds at
// least one binding that is either activatable or unconditional.
func (r *AnalyzerRepository) FindProjectsWithEntitlements(ctx context.Context, user identity.UserID) ([]ProjectID, error) {
	started := time.Now()
	analysis, err := r.api.AnalyzeIamPolicy(ctx, r.scope, policyanalyzer.Query{
		Identity:        user.PrincipalIdentifier(),
		Permissions:     []string{projectGetPermission},
		ExpandGroups:    true,
		ExpandResources: true,
	})
	metrics.RecordEntitlementFetch(SourcePolicyAnalyzer, "find_projects", time.Since(started))
	if err != nil {
		return nil, errors.Transient("find_projects", r.scope, err)
	}

	var projects []ProjectID
	for i := range analysis.Results {
		result := &analysis.Results[i]
		if !r.projectCandidate(result) {
			continue
		}
		projects = append(projects, coveredProjects(result)...)
	}
	return SortProjects(projects), nil
}

// projectCandidate accepts unconditional bindings and bindings whose
// condition carries a recognized eligibility marker.
func (r *AnalyzerRepository) projectCandidate(result *policyanalyzer.Result) bool {
	cond := result.Condition()
	if cond == nil {
		return true
	}
	elig, err := policy.ClassifyEligibility(cond)
	return err == nil && elig.IsEligible()
}

// FindEntitlements analyzes one project for the user.
func (r *AnalyzerRepository) FindEntitlements(ctx context.Context, user identity.UserID, project ProjectID, types []ActivationType, statuses StatusSet) (*EntitlementSet, error) {
	started := time.Now()
	analysis, err := r.api.AnalyzeIamPolicy(ctx, r.scope, policyanalyzer.Query{
		Identity:         user.PrincipalIdentifier(),
		FullResourceName: project.FullResourceName(),
	})
	metrics.RecordEntitlementFetch(SourcePolicyAnalyzer, "find_entitlements", time.Since(started))
	if err != nil {
		return nil, errors.Transient("find_entitlements", project.String(), err)
	}

	b := newSetBuilder(r.now(), statuses)
	for i := range analysis.Results {
		result := &analysis.Results[i]
		if result.IAMBinding == nil || result.IAMBinding.Role == "" {
			continue
		}
		covered := coveredProjects(result)
		if len(covered) == 0 {
			covered = []ProjectID{project}
		}
		classifyBinding(b, result.IAMBinding.Role, result.Condition(), covered, types)
	}
	for _, w := range analysis.Warnings() {
		b.addWarning(w)
	}

	set := b.build()
	metrics.RecordEntitlementWarnings(len(set.Warnings))
	if len(set.Warnings) > 0 {
		log.Warn().
			Str("user", user.String()).
			Str("project", project.String()).
			Strs("warnings", set.Warnings).
			Msg("Skipped unrecognized policy conditions")
	}
	return set, nil
}

// FindEntitlementHolders lists candidate peer approvers for a role.
func (r *AnalyzerRepository) FindEntitlementHolders(ctx context.Context, caller identity.UserID, role ProjectRole, activationType ActivationType) ([]identity.UserID, error) {
	return r.findPrincipals(ctx, caller, role, activationType, "", false)
}

// FindReviewers lists holders of a matching reviewer privilege.
func (r *AnalyzerRepository) FindReviewers(ctx context.Context, caller identity.UserID, role ProjectRole, topic string) ([]identity.UserID, error) {
	return r.findPrincipals(ctx, caller, role, None(), topic, true)
}

func (r *AnalyzerRepository) findPrincipals(ctx context.Context, caller identity.UserID, role ProjectRole, requested ActivationType, topic string, wantReviewer bool) ([]identity.UserID, error) {
	started := time.Now()
	analysis, err := r.api.AnalyzeIamPolicy(ctx, r.scope, policyanalyzer.Query{
		FullResourceName: role.ProjectID.FullResourceName(),
		Roles:            []string{role.Role},
		ExpandGroups:     true,
	})
	metrics.RecordEntitlementFetch(SourcePolicyAnalyzer, "find_principals", time.Since(started))
	if err != nil {
		return nil, errors.Transient("find_principals", role.ID(), err)
	}

	var users []identity.UserID
	for i := range analysis.Results {
		result := &analysis.Results[i]
		if result.IAMBinding == nil || result.IAMBinding.Role != role.Role {
			continue
		}
		if !matchesHolderQuery(result.Condition(), requested, topic, wantReviewer) {
			continue
		}
		users = append(users, resultUsers(result)...)
	}
	return withoutCaller(identity.SortUsers(users), caller), nil
}

// resultUsers extracts user principals from one analysis result. When
// the analyzer supplied an identity list, group members appear there
// already expanded; otherwise the raw binding members are parsed and
// groups are skipped.
func resultUsers(result *policyanalyzer.Result) []identity.UserID {
	var users []identity.UserID
	if result.IdentityList != nil {
		for _, id := range result.IdentityList.Identities {
			if user, ok := identity.ParseUserPrincipal(id.Name); ok {
				users = append(users, user)
			}
		}
		return users
	}
	if result.IAMBinding == nil {
		return nil
	}
	for _, member := range result.IAMBinding.Members {
		if user, ok := identity.ParseUserPrincipal(member); ok {
			users = append(users, user)
		}
	}
	return users
}

// coveredProjects enumerates the projects a result effectively spans:
// the attached resource when it is a project, plus every project named
// in an access-control list whose verdict is not FALSE. Inherited
// folder and org bindings surface their child projects this way.
func coveredProjects(result *policyanalyzer.Result) []ProjectID {
	var out []ProjectID
	if p, ok := ParseProjectFullResourceName(result.AttachedResourceFullName); ok {
		out = append(out, p)
	}
	for i := range result.AccessControlLists {
		acl := &result.AccessControlLists[i]
		if acl.Verdict() == policyanalyzer.EvaluationFalse {
			continue
		}
		for _, res := range acl.Resources {
			if p, ok := ParseProjectFullResourceName(res.FullResourceName); ok {
				out = append(out, p)
			}
		}
	}
	return SortProjects(out)
}

// withoutCaller drops the caller from an already sorted user list.
func withoutCaller(users []identity.UserID, caller identity.UserID) []identity.UserID {
	out := users[:0]
	for _, u := range users {
		if u != caller {
			out = append(out, u)
		}
	}
	return out
}

var _ Repository = (*AnalyzerRepository)(nil)
