// Package identity models the end users and groups that hold and
// review entitlements. IDs are normalized to lowercase so that lookups
// against IAM policies and directory listings are case-insensitive.
package identity

import (
	"sort"
	"strings"

	"github.com/copperline/jitbroker/internal/errors"
)

const (
	userPrefix           = "user:"
	groupPrefix          = "group:"
	serviceAccountPrefix = "serviceaccount:"
	deletedPrefix        = "deleted:"
)

// UserID is the primary email address of an end user, normalized to
// lowercase.
type UserID string

// NewUserID normalizes and validates an email address
func NewUserID(email string) (UserID, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" || !strings.Contains(normalized, "@") {
		return "", errors.MalformedRequestf("parse_user", "invalid user email %q", email)
	}
	return UserID(normalized), nil
}

func (u UserID) String() string {
	return string(u)
}

// PrincipalIdentifier returns the IAM member string for the user
func (u UserID) PrincipalIdentifier() string {
	return userPrefix + string(u)
}

// GroupID is the email address of a group, normalized to lowercase
type GroupID string

// NewGroupID normalizes and validates a group email address
func NewGroupID(email string) (GroupID, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" || !strings.Contains(normalized, "@") {
		return "", errors.MalformedRequestf("parse_group", "invalid group email %q", email)
	}
	return GroupID(normalized), nil
}

func (g GroupID) String() string {
	return string(g)
}

// PrincipalIdentifier returns the IAM member string for the group
func (g GroupID) PrincipalIdentifier() string {
	return groupPrefix + string(g)
}

// ParseUserPrincipal extracts the user from an IAM member string such
// as "user:bob@example.com". Deleted principals and members of other
// kinds report false.
func ParseUserPrincipal(member string) (UserID, bool) {
	normalized := strings.ToLower(strings.TrimSpace(member))
	if strings.HasPrefix(normalized, deletedPrefix) {
		return "", false
	}
	email, found := strings.CutPrefix(normalized, userPrefix)
	if !found || !strings.Contains(email, "@") {
		return "", false
	}
	return UserID(email), true
}

// ParseGroupPrincipal extracts the group from an IAM member string such
// as "group:devs@example.com"
func ParseGroupPrincipal(member string) (GroupID, bool) {
	normalized := strings.ToLower(strings.TrimSpace(member))
	if strings.HasPrefix(normalized, deletedPrefix) {
		return "", false
	}
	email, found := strings.CutPrefix(normalized, groupPrefix)
	if !found || !strings.Contains(email, "@") {
		return "", false
	}
	return GroupID(email), true
}

// IsServiceAccountPrincipal reports whether an IAM member string names
// a service account
func IsServiceAccountPrincipal(member string) bool {
	normalized := strings.ToLower(strings.TrimSpace(member))
	return strings.HasPrefix(normalized, serviceAccountPrefix)
}

// SortUsers sorts users by email and removes duplicates
func SortUsers(users []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(users))
	out := make([]UserID, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
