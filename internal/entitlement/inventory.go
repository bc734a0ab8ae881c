package entitlement

import (
	"context"
	goerrors "errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
	"github.com/copperline/jitbroker/internal/metrics"
	"github.com/copperline/jitbroker/internal/policy"
	"github.com/copperline/jitbroker/pkg/assetinventory"
)

// ErrProjectDiscoveryUnsupported is returned by the inventory variant
// for org-wide project discovery; deployments using it must configure a
// project search query instead.
var ErrProjectDiscoveryUnsupported = goerrors.New("project discovery requires a configured project search query")

// InventoryAPI is the slice of the asset inventory client the
// repository consumes.
type InventoryAPI interface {
	EffectiveIamPolicies(ctx context.Context, scope, fullResourceName string) ([]assetinventory.PolicyInfo, error)
}

// DirectoryAPI resolves group membership, one hop deep.
type DirectoryAPI interface {
	ListDirectGroupMemberships(ctx context.Context, user identity.UserID) ([]identity.GroupID, error)
	ListDirectGroupMembers(ctx context.Context, group identity.GroupID) ([]identity.UserID, error)
}

// InventoryRepository reconstructs entitlement answers from effective
// per-project policies plus directory lookups. Unlike the analyzer, the
// upstream does not expand groups, so membership is resolved here.
type InventoryRepository struct {
	assets    InventoryAPI
	directory DirectoryAPI
	scope     string
	fanout    int
	now       func() time.Time
}

// NewInventoryRepository returns a repository reading effective
// policies under the given scope. fanout bounds concurrent group
// expansions; zero selects the number of CPUs.
func NewInventoryRepository(assets InventoryAPI, directory DirectoryAPI, scope string, fanout int) *InventoryRepository {
	if fanout <= 0 {
		fanout = runtime.NumCPU()
	}
	return &InventoryRepository{
		assets:    assets,
		directory: directory,
		scope:     scope,
		fanout:    fanout,
		now:       time.Now,
	}
}

// FindProjectsWithEntitlements is unsupported on this variant: walking
// every project's effective policy does not scale. Deployments select
// projects with a search query instead.
func (r *InventoryRepository) FindProjectsWithEntitlements(ctx context.Context, user identity.UserID) ([]ProjectID, error) {
	return nil, errors.Internal("find_projects", ErrProjectDiscoveryUnsupported)
}

// ProjectBinding is one binding that applies to the queried user,
// tagged with the resource its policy is attached to.
type ProjectBinding struct {
	AttachedResource string
	Binding          policy.Binding
}

// FindProjectBindings returns the bindings on the project's effective
// policy that cover the user, directly or through one of their direct
// groups. Bindings matched on the user come first, then bindings
// matched through groups; within each section the outermost resource's
// policy comes first, bindings in source order.
func (r *InventoryRepository) FindProjectBindings(ctx context.Context, user identity.UserID, project ProjectID) ([]ProjectBinding, error) {
	var (
		policies []assetinventory.PolicyInfo
		groups   []identity.GroupID
	)

	started := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		policies, err = r.assets.EffectiveIamPolicies(ctx, r.scope, project.FullResourceName())
		if err != nil {
			return errors.Transient("fetch_effective_policies", project.String(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		groups, err = r.directory.ListDirectGroupMemberships(ctx, user)
		if err != nil {
			return errors.Transient("fetch_group_memberships", user.String(), err)
		}
		return nil
	})
	err := g.Wait()
	metrics.RecordEntitlementFetch(SourceAssetInventory, "find_bindings", time.Since(started))
	if err != nil {
		return nil, err
	}

	memberOf := make(map[identity.GroupID]struct{}, len(groups))
	for _, grp := range groups {
		memberOf[grp] = struct{}{}
	}

	var direct, viaGroup []ProjectBinding
	// The upstream lists the directly attached policy first and
	// ancestors after it; walk in reverse for outermost-first order.
	for i := len(policies) - 1; i >= 0; i-- {
		info := &policies[i]
		if info.Policy == nil {
			continue
		}
		for _, binding := range info.Policy.Bindings {
			switch bindingMatch(&binding, user, memberOf) {
			case matchUser:
				direct = append(direct, ProjectBinding{AttachedResource: info.AttachedResource, Binding: binding})
			case matchGroup:
				viaGroup = append(viaGroup, ProjectBinding{AttachedResource: info.AttachedResource, Binding: binding})
			}
		}
	}
	return append(direct, viaGroup...), nil
}

type matchKind int

const (
	matchNone matchKind = iota
	matchUser
	matchGroup
)

// bindingMatch reports how a binding covers the user. A direct member
// entry wins over a group entry in the same binding.
func bindingMatch(binding *policy.Binding, user identity.UserID, memberOf map[identity.GroupID]struct{}) matchKind {
	match := matchNone
	for _, member := range binding.Members {
		if u, ok := identity.ParseUserPrincipal(member); ok && u == user {
			return matchUser
		}
		if g, ok := identity.ParseGroupPrincipal(member); ok {
			if _, in := memberOf[g]; in {
				match = matchGroup
			}
		}
	}
	return match
}

// FindEntitlements analyzes one project for the user.
func (r *InventoryRepository) FindEntitlements(ctx context.Context, user identity.UserID, project ProjectID, types []ActivationType, statuses StatusSet) (*EntitlementSet, error) {
	bindings, err := r.FindProjectBindings(ctx, user, project)
	if err != nil {
		return nil, err
	}

	b := newSetBuilder(r.now(), statuses)
	covered := []ProjectID{project}
	for i := range bindings {
		binding := &bindings[i].Binding
		if binding.Role == "" {
			continue
		}
		classifyBinding(b, binding.Role, binding.Condition, covered, types)
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
func (r *InventoryRepository) FindEntitlementHolders(ctx context.Context, caller identity.UserID, role ProjectRole, activationType ActivationType) ([]identity.UserID, error) {
	return r.findPrincipals(ctx, caller, role, activationType, "", false)
}

// FindReviewers lists holders of a matching reviewer privilege.
func (r *InventoryRepository) FindReviewers(ctx context.Context, caller identity.UserID, role ProjectRole, topic string) ([]identity.UserID, error) {
	return r.findPrincipals(ctx, caller, role, None(), topic, true)
}

func (r *InventoryRepository) findPrincipals(ctx context.Context, caller identity.UserID, role ProjectRole, requested ActivationType, topic string, wantReviewer bool) ([]identity.UserID, error) {
	started := time.Now()
	policies, err := r.assets.EffectiveIamPolicies(ctx, r.scope, role.ProjectID.FullResourceName())
	metrics.RecordEntitlementFetch(SourceAssetInventory, "find_principals", time.Since(started))
	if err != nil {
		return nil, errors.Transient("find_principals", role.ID(), err)
	}

	var (
		users  []identity.UserID
		groups []identity.GroupID
	)
	for i := range policies {
		info := &policies[i]
		if info.Policy == nil {
			continue
		}
		for _, binding := range info.Policy.Bindings {
			if binding.Role != role.Role {
				continue
			}
			if !matchesHolderQuery(binding.Condition, requested, topic, wantReviewer) {
				continue
			}
			for _, member := range binding.Members {
				if u, ok := identity.ParseUserPrincipal(member); ok {
					users = append(users, u)
					continue
				}
				if g, ok := identity.ParseGroupPrincipal(member); ok {
					groups = append(groups, g)
				}
			}
		}
	}

	users = append(users, r.expandGroups(ctx, groups)...)
	return withoutCaller(identity.SortUsers(users), caller), nil
}

// expandGroups resolves direct members of each group, at most fanout
// lookups in flight. A failed group is dropped with a warning; the
// remaining groups still contribute.
func (r *InventoryRepository) expandGroups(ctx context.Context, groups []identity.GroupID) []identity.UserID {
	if len(groups) == 0 {
		return nil
	}

	sem := make(chan struct{}, r.fanout)
	results := make(chan []identity.UserID, len(groups))
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group identity.GroupID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			members, err := r.directory.ListDirectGroupMembers(ctx, group)
			if err != nil {
				log.Warn().Err(err).Str("group", group.String()).Msg("Skipping group, member lookup failed")
				return
			}
			results <- members
		}(group)
	}
	wg.Wait()
	close(results)

	var users []identity.UserID
	for members := range results {
		users = append(users, members...)
	}
	return users
}

var _ Repository = (*InventoryRepository)(nil)
