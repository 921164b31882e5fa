// Package cache holds the request-crossing caches: the session-token to user
// cache and the user-id to role-names cache. Both are explicit-invalidation
// caches; reads that miss fall through to the datastore.
package cache

import (
	"time"

	"github.com/omnibase/omnibase/pkg/storage"
)

const (
	defaultUserTTL = 12 * time.Hour
	defaultRoleTTL = 12 * time.Hour
)

// UserCache maps session tokens to the user JSON they resolve to.
type UserCache struct {
	cache *storage.InMemoryLRUCache[storage.Object]
}

func NewUserCache() *UserCache {
	return &UserCache{cache: storage.NewInMemoryLRUCache[storage.Object]()}
}

func (c *UserCache) Get(sessionToken string) storage.Object {
	return c.cache.Get(sessionToken)
}

func (c *UserCache) Put(sessionToken string, user storage.Object) {
	c.cache.Set(sessionToken, user, defaultUserTTL)
}

func (c *UserCache) Del(sessionToken string) {
	c.cache.Delete(sessionToken)
}

func (c *UserCache) Stop() {
	c.cache.Stop()
}

// RoleCache maps user ids to the resolved set of role names.
type RoleCache struct {
	cache *storage.InMemoryLRUCache[[]string]
}

func NewRoleCache() *RoleCache {
	return &RoleCache{cache: storage.NewInMemoryLRUCache[[]string]()}
}

// Get returns the cached role names and whether an entry existed. An empty,
// non-nil slice is a valid cached result.
func (c *RoleCache) Get(userID string) ([]string, bool) {
	names := c.cache.Get(userID)
	return names, names != nil
}

func (c *RoleCache) Put(userID string, names []string) {
	if names == nil {
		names = []string{}
	}
	c.cache.Set(userID, names, defaultRoleTTL)
}

// Clear drops every cached role set. Called whenever role membership may have
// changed.
func (c *RoleCache) Clear() {
	c.cache.Clear()
}

func (c *RoleCache) Stop() {
	c.cache.Stop()
}
