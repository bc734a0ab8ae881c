// Package entitlement models just-in-time eligible role bindings: which
// roles a user may activate on which projects, under which approval
// flow, and which activations are currently live.
package entitlement

import (
	"sort"
	"strings"

	"github.com/copperline/jitbroker/internal/errors"
)

const projectResourcePrefix = "//cloudresourcemanager.googleapis.com/projects/"

// ProjectID identifies a project by its short id, e.g. "web-app-prod"
type ProjectID string

func (p ProjectID) String() string {
	return string(p)
}

// FullResourceName returns the asset-style resource name of the project
func (p ProjectID) FullResourceName() string {
	return projectResourcePrefix + string(p)
}

// Path returns the resource-manager style path of the project
func (p ProjectID) Path() string {
	return "projects/" + string(p)
}

// ParseProjectFullResourceName extracts the project id from a full
// resource name. It reports false for any other resource type.
func ParseProjectFullResourceName(name string) (ProjectID, bool) {
	id, found := strings.CutPrefix(strings.TrimSpace(name), projectResourcePrefix)
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return ProjectID(id), true
}

// SortProjects sorts project ids lexically and removes duplicates
func SortProjects(projects []ProjectID) []ProjectID {
	seen := make(map[ProjectID]struct{}, len(projects))
	out := make([]ProjectID, 0, len(projects))
	for _, p := range projects {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleBinding pairs a resource with a role granted on it
type RoleBinding struct {
	Resource string // full resource name
	Role     string
}

// ProjectRole is a role on a project, optionally narrowed by a resource
// condition. The resource condition does not participate in the stable
// id; it is re-derived from policy whenever a role is activated.
type ProjectRole struct {
	ProjectID         ProjectID
	Role              string
	ResourceCondition string
}

const projectRoleIDPrefix = "iam"

// ID returns the stable string id of the role, e.g.
// "iam:web-app-prod:roles/compute.admin"
func (r ProjectRole) ID() string {
	return projectRoleIDPrefix + ":" + string(r.ProjectID) + ":" + r.Role
}

// SameRole reports whether two values name the same project and role,
// ignoring resource conditions
func (r ProjectRole) SameRole(other ProjectRole) bool {
	return r.ProjectID == other.ProjectID && r.Role == other.Role
}

// ParseProjectRoleID parses a stable id back into a ProjectRole
func ParseProjectRoleID(id string) (ProjectRole, error) {
	parts := strings.SplitN(strings.TrimSpace(id), ":", 3)
	if len(parts) != 3 || parts[0] != projectRoleIDPrefix || parts[1] == "" || parts[2] == "" {
		return ProjectRole{}, errors.MalformedRequestf("parse_project_role", "invalid project role id %q", id)
	}
	return ProjectRole{ProjectID: ProjectID(parts[1]), Role: parts[2]}, nil
}

// SortProjectRoles sorts roles by stable id, then by resource condition
func SortProjectRoles(roles []ProjectRole) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].ID() != roles[j].ID() {
			return roles[i].ID() < roles[j].ID()
		}
		return roles[i].ResourceCondition < roles[j].ResourceCondition
	})
}
