package identity

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/omnibase/omnibase/internal/build"
	"github.com/omnibase/omnibase/pkg/storage"
)

var deduplicatedRoleResolutions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "deduplicated_role_resolutions",
	Help:      "The total number of role resolutions that shared another caller's in-flight computation.",
})

// UserRoles returns the names of the roles the caller directly or
// transitively belongs to, each formatted as "role:<name>". Master and
// anonymous callers get an empty set. The result is memoized for the
// lifetime of the identity; concurrent callers share one in-flight
// resolution.
func (a *Identity) UserRoles(ctx context.Context) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return []string{}, nil
	}

	a.mu.Lock()
	if a.rolesResolved {
		roles := a.roles
		a.mu.Unlock()
		return roles, nil
	}
	a.mu.Unlock()

	v, err, shared := a.group.Do(a.UserID(), func() (any, error) {
		return a.loadRoles(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		deduplicatedRoleResolutions.Inc()
	}

	names := v.([]string)
	a.mu.Lock()
	a.roles = names
	a.rolesResolved = true
	a.mu.Unlock()

	return names, nil
}

// loadRoles computes the transitive role closure via breadth-first expansion
// over an explicit queried-id set. Each role id is queried at most once, so
// the walk terminates on cyclic role graphs and does O(edges) work.
func (a *Identity) loadRoles(ctx context.Context) ([]string, error) {
	userID := a.UserID()

	if names, ok := a.deps.RoleCache.Get(userID); ok {
		return names, nil
	}

	master := storage.QueryOptions{}
	directRoles, err := a.deps.Datastore.Find(ctx, "_Role", storage.Query{"users": userID}, master)
	if err != nil {
		return nil, err
	}
	if len(directRoles) == 0 {
		a.deps.RoleCache.Put(userID, []string{})
		return []string{}, nil
	}

	names := make(map[string]struct{})
	queriedRoles := make(map[string]bool)
	frontier := make([]string, 0, len(directRoles))
	for _, role := range directRoles {
		if name, ok := role["name"].(string); ok {
			names[name] = struct{}{}
		}
		if id, ok := role["objectId"].(string); ok {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		ins := make([]any, 0, len(frontier))
		for _, id := range frontier {
			if !queriedRoles[id] {
				queriedRoles[id] = true
				ins = append(ins, id)
			}
		}
		if len(ins) == 0 {
			break
		}

		parents, err := a.deps.Datastore.Find(ctx, "_Role", storage.Query{"roles": map[string]any{"$in": ins}}, master)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, role := range parents {
			if name, ok := role["name"].(string); ok {
				names[name] = struct{}{}
			}
			if id, ok := role["objectId"].(string); ok && !queriedRoles[id] {
				frontier = append(frontier, id)
			}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, "role:"+name)
	}
	sort.Strings(out)

	a.deps.RoleCache.Put(userID, out)
	return out, nil
}
