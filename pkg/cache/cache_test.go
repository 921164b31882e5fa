package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnibase/omnibase/pkg/storage"
)

func TestUserCache(t *testing.T) {
	c := NewUserCache()
	defer c.Stop()

	require.Nil(t, c.Get("r:tok"))

	c.Put("r:tok", storage.Object{"objectId": "u1"})
	require.Equal(t, "u1", c.Get("r:tok")["objectId"])

	c.Del("r:tok")
	require.Nil(t, c.Get("r:tok"))
}

func TestRoleCacheDistinguishesEmptyFromMissing(t *testing.T) {
	c := NewRoleCache()
	defer c.Stop()

	_, ok := c.Get("u1")
	require.False(t, ok)

	c.Put("u1", nil)
	names, ok := c.Get("u1")
	require.True(t, ok)
	require.Empty(t, names)

	c.Put("u2", []string{"role:admin"})
	names, ok = c.Get("u2")
	require.True(t, ok)
	require.Equal(t, []string{"role:admin"}, names)
}

func TestRoleCacheClear(t *testing.T) {
	c := NewRoleCache()
	defer c.Stop()

	c.Put("u1", []string{"role:a"})
	c.Clear()

	_, ok := c.Get("u1")
	require.False(t, ok)
}
