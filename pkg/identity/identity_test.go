package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/cache"
	"github.com/omnibase/omnibase/pkg/logger"
	"github.com/omnibase/omnibase/pkg/storage"
	"github.com/omnibase/omnibase/pkg/storage/memory"
)

func newDeps(t *testing.T) *Deps {
	t.Helper()

	deps := &Deps{
		Datastore: memory.New(),
		UserCache: cache.NewUserCache(),
		RoleCache: cache.NewRoleCache(),
		Logger:    logger.NewNoopLogger(),
	}
	t.Cleanup(func() {
		deps.UserCache.Stop()
		deps.RoleCache.Stop()
	})
	return deps
}

func seedSession(t *testing.T, deps *Deps, token, userID string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()

	_, err := deps.Datastore.Create(ctx, "_User", storage.Object{
		"objectId":         userID,
		"username":         "alice",
		"_hashed_password": "notforclients",
	}, storage.QueryOptions{})
	require.NoError(t, err)

	_, err = deps.Datastore.Create(ctx, "_Session", storage.Object{
		"sessionToken": token,
		"user":         storage.Pointer("_User", userID),
		"expiresAt":    expiresAt.UTC().Format(time.RFC3339Nano),
	}, storage.QueryOptions{})
	require.NoError(t, err)
}

func TestForSessionToken(t *testing.T) {
	deps := newDeps(t)
	seedSession(t, deps, "r:tok", "u1", time.Now().Add(time.Hour))

	auth, err := ForSessionToken(context.Background(), deps, "r:tok", "install-1")
	require.NoError(t, err)
	require.Equal(t, "u1", auth.UserID())
	require.Equal(t, "install-1", auth.InstallationID)
	require.False(t, auth.IsMaster)
	require.NotContains(t, auth.User, "_hashed_password")
	require.Equal(t, "r:tok", auth.User["sessionToken"])
}

func TestForSessionTokenCaches(t *testing.T) {
	deps := newDeps(t)
	seedSession(t, deps, "r:tok", "u1", time.Now().Add(time.Hour))

	_, err := ForSessionToken(context.Background(), deps, "r:tok", "")
	require.NoError(t, err)

	// A second resolve is served from the cache even after the row is gone.
	require.NoError(t, deps.Datastore.Destroy(context.Background(), "_Session",
		storage.Query{"sessionToken": "r:tok"}, storage.QueryOptions{}))

	auth, err := ForSessionToken(context.Background(), deps, "r:tok", "")
	require.NoError(t, err)
	require.Equal(t, "u1", auth.UserID())
}

func TestForSessionTokenUnknown(t *testing.T) {
	deps := newDeps(t)

	_, err := ForSessionToken(context.Background(), deps, "r:missing", "")
	require.Equal(t, apierrors.InvalidSessionToken, apierrors.CodeOf(err))
}

func TestForSessionTokenExpired(t *testing.T) {
	deps := newDeps(t)
	seedSession(t, deps, "r:old", "u1", time.Now().Add(-time.Minute))

	_, err := ForSessionToken(context.Background(), deps, "r:old", "")
	require.Equal(t, apierrors.InvalidSessionToken, apierrors.CodeOf(err))
	require.ErrorContains(t, err, "expired")
}

func TestUserRolesMasterAndAnonymous(t *testing.T) {
	deps := newDeps(t)

	roles, err := Master(deps).UserRoles(context.Background())
	require.NoError(t, err)
	require.Empty(t, roles)

	roles, err = Nobody(deps).UserRoles(context.Background())
	require.NoError(t, err)
	require.Empty(t, roles)
}

func seedRole(t *testing.T, deps *Deps, id, name string, users, roles []any) {
	t.Helper()
	_, err := deps.Datastore.Create(context.Background(), "_Role", storage.Object{
		"objectId": id,
		"name":     name,
		"users":    users,
		"roles":    roles,
	}, storage.QueryOptions{})
	require.NoError(t, err)
}

func TestUserRolesTransitiveClosure(t *testing.T) {
	deps := newDeps(t)

	// u1 is in "editors"; "editors" is in "admins"; "admins" is in "root".
	seedRole(t, deps, "r-editors", "editors", []any{"u1"}, nil)
	seedRole(t, deps, "r-admins", "admins", nil, []any{"r-editors"})
	seedRole(t, deps, "r-root", "root", nil, []any{"r-admins"})

	auth := ForUser(deps, storage.Object{"objectId": "u1"}, "")
	roles, err := auth.UserRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"role:admins", "role:editors", "role:root"}, roles)
}

func TestUserRolesCyclicGraphTerminates(t *testing.T) {
	deps := newDeps(t)

	// a contains b, b contains a: the walk must still terminate and return
	// both names exactly once.
	seedRole(t, deps, "r-a", "a", []any{"u1"}, []any{"r-b"})
	seedRole(t, deps, "r-b", "b", nil, []any{"r-a"})

	auth := ForUser(deps, storage.Object{"objectId": "u1"}, "")
	roles, err := auth.UserRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"role:a", "role:b"}, roles)
}

func TestUserRolesUsesRoleCache(t *testing.T) {
	deps := newDeps(t)
	deps.RoleCache.Put("u1", []string{"role:cached"})

	auth := ForUser(deps, storage.Object{"objectId": "u1"}, "")
	roles, err := auth.UserRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"role:cached"}, roles)
}

// countingDatastore tracks Find calls and holds them open until released, so
// concurrent resolutions genuinely overlap.
type countingDatastore struct {
	storage.Datastore
	finds   atomic.Int32
	release chan struct{}
}

func (c *countingDatastore) Find(ctx context.Context, className string, query storage.Query, opts storage.QueryOptions) ([]storage.Object, error) {
	c.finds.Add(1)
	<-c.release
	return c.Datastore.Find(ctx, className, query, opts)
}

func TestUserRolesConcurrentCallersShareOneResolution(t *testing.T) {
	deps := newDeps(t)
	seedRole(t, deps, "r-a", "a", []any{"u1"}, nil)

	counting := &countingDatastore{Datastore: deps.Datastore, release: make(chan struct{})}
	deps.Datastore = counting

	auth := ForUser(deps, storage.Object{"objectId": "u1"}, "")

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = auth.UserRoles(context.Background())
		}(i)
	}
	close(counting.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"role:a"}, results[i])
	}

	// One resolution's worth of queries: the direct-membership lookup plus a
	// single parent expansion. Every other caller shared the in-flight
	// computation or was served from the role cache.
	require.Equal(t, int32(2), counting.finds.Load())
}

func TestUserRolesMemoized(t *testing.T) {
	deps := newDeps(t)
	seedRole(t, deps, "r-a", "a", []any{"u1"}, nil)

	auth := ForUser(deps, storage.Object{"objectId": "u1"}, "")
	first, err := auth.UserRoles(context.Background())
	require.NoError(t, err)

	// A membership change after the first resolution is not observed by the
	// same identity; the result is fixed for the request's lifetime.
	deps.RoleCache.Clear()
	seedRole(t, deps, "r-b", "b", []any{"u1"}, nil)

	second, err := auth.UserRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
}
