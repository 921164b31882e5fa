// Package identity represents "who is asking": master, anonymous, or an
// authenticated user plus the roles they transitively belong to.
package identity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/cache"
	"github.com/omnibase/omnibase/pkg/logger"
	"github.com/omnibase/omnibase/pkg/storage"
)

// Deps bundles the collaborators identities resolve against. One Deps value
// is shared by every identity of a deployment.
type Deps struct {
	Datastore storage.Datastore
	UserCache *cache.UserCache
	RoleCache *cache.RoleCache
	Logger    logger.Logger
}

// Identity is the caller of one inbound request. Immutable after
// construction except for its lazily-filled role cache.
type Identity struct {
	deps *Deps

	IsMaster   bool
	IsReadOnly bool

	// User is the caller's user row (JSON view, password stripped), nil for
	// master and anonymous callers.
	User storage.Object

	// InstallationID identifies the app install the request came from.
	InstallationID string

	mu            sync.Mutex
	roles         []string /* GUARDED_BY(mu) */
	rolesResolved bool     /* GUARDED_BY(mu) */
	group         singleflight.Group
}

// Master returns the identity that bypasses ACL and schema restrictions.
func Master(deps *Deps) *Identity {
	return &Identity{deps: deps, IsMaster: true}
}

// ReadOnly returns a master identity that may not perform writes.
func ReadOnly(deps *Deps) *Identity {
	return &Identity{deps: deps, IsMaster: true, IsReadOnly: true}
}

// Nobody returns the anonymous identity.
func Nobody(deps *Deps) *Identity {
	return &Identity{deps: deps}
}

// ForUser returns the identity of the given user row.
func ForUser(deps *Deps, user storage.Object, installationID string) *Identity {
	return &Identity{deps: deps, User: user, InstallationID: installationID}
}

// UserID returns the caller's user id, or "" when no user is attached.
func (a *Identity) UserID() string {
	if a.User == nil {
		return ""
	}
	id, _ := a.User["objectId"].(string)
	return id
}

// IsUnauthenticated reports whether the caller is neither master nor an
// authenticated user.
func (a *Identity) IsUnauthenticated() bool {
	return !a.IsMaster && a.User == nil
}

var errInvalidSessionToken = apierrors.New(apierrors.InvalidSessionToken, "Invalid session token")

// ForSessionToken resolves a session token into the identity it belongs to.
// Any lookup failure produces an invalid-session-token error; nothing is
// retried.
func ForSessionToken(ctx context.Context, deps *Deps, sessionToken, installationID string) (*Identity, error) {
	if cached := deps.UserCache.Get(sessionToken); cached != nil {
		return ForUser(deps, cached, installationID), nil
	}

	master := storage.QueryOptions{Limit: 1}
	sessions, err := deps.Datastore.Find(ctx, "_Session", storage.Query{"sessionToken": sessionToken}, master)
	if err != nil || len(sessions) == 0 {
		return nil, errInvalidSessionToken
	}
	session := sessions[0]

	userID := storage.PointerID(session["user"])
	if userID == "" {
		return nil, errInvalidSessionToken
	}

	expiresAt, ok := session["expiresAt"].(string)
	if !ok {
		return nil, apierrors.New(apierrors.InvalidSessionToken, "Session token is expired.")
	}
	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || expiry.Before(time.Now()) {
		return nil, apierrors.New(apierrors.InvalidSessionToken, "Session token is expired.")
	}

	users, err := deps.Datastore.Find(ctx, "_User", storage.Query{"objectId": userID}, master)
	if err != nil || len(users) == 0 {
		return nil, errInvalidSessionToken
	}
	user := users[0]
	delete(user, "password")
	delete(user, "_hashed_password")
	user["sessionToken"] = sessionToken

	deps.UserCache.Put(sessionToken, user)

	return ForUser(deps, user, installationID), nil
}
