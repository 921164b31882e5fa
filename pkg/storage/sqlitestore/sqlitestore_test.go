package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnibase/omnibase/pkg/logger"
	"github.com/omnibase/omnibase/pkg/storage"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	ds, err := New("file:"+filepath.Join(t.TempDir(), "test.db"), logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("file:test.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28WAL%29")
	require.Contains(t, dsn, "busy_timeout%28100%29")
	require.Contains(t, dsn, "_txlock=immediate")

	// Caller-provided pragmas win.
	dsn, err = PrepareDSN("file:test.db?_pragma=journal_mode%28DELETE%29")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28DELETE%29")
	require.NotContains(t, dsn, "journal_mode%28WAL%29")
}

func TestCreateFindRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "Game", storage.Object{"objectId": "g1", "score": 10}, storage.QueryOptions{})
	require.NoError(t, err)

	rows, err := ds.Find(ctx, "Game", storage.Query{"objectId": "g1"}, storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Documents round-trip through JSON, so numbers come back as float64.
	require.Equal(t, float64(10), rows[0]["score"])
}

func TestFindHonorsACL(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "Note", storage.Object{
		"objectId": "n1",
		"ACL":      map[string]any{"u1": map[string]any{"read": true, "write": true}},
	}, storage.QueryOptions{})
	require.NoError(t, err)

	rows, err := ds.Find(ctx, "Note", storage.Query{"objectId": "n1"}, storage.QueryOptions{ACL: []string{"*", "u2"}})
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = ds.Find(ctx, "Note", storage.Query{"objectId": "n1"}, storage.QueryOptions{ACL: []string{"*", "u1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "Game", storage.Object{"objectId": "g1", "score": 10, "stale": "x"}, storage.QueryOptions{})
	require.NoError(t, err)

	updated, err := ds.Update(ctx, "Game", storage.Query{"objectId": "g1"},
		storage.Object{"score": 11, "stale": nil}, storage.QueryOptions{})
	require.NoError(t, err)
	require.NotContains(t, updated, "stale")

	rows, err := ds.Find(ctx, "Game", storage.Query{"objectId": "g1"}, storage.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, float64(11), rows[0]["score"])
	require.NotContains(t, rows[0], "stale")

	_, err = ds.Update(ctx, "Game", storage.Query{"objectId": "missing"}, storage.Object{"score": 1}, storage.QueryOptions{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "Game", storage.Object{"objectId": "g1"}, storage.QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, ds.Destroy(ctx, "Game", storage.Query{"objectId": "g1"}, storage.QueryOptions{}))
	require.ErrorIs(t, ds.Destroy(ctx, "Game", storage.Query{"objectId": "g1"}, storage.QueryOptions{}), storage.ErrNotFound)
}

func TestUserUniquenessNamesField(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "_User", storage.Object{"objectId": "u1", "username": "alice"}, storage.QueryOptions{})
	require.NoError(t, err)

	_, err = ds.Create(ctx, "_User", storage.Object{"objectId": "u2", "username": "alice"}, storage.QueryOptions{})
	var uniqueErr *storage.UniqueValueError
	require.ErrorAs(t, err, &uniqueErr)
	require.Equal(t, []string{"username"}, uniqueErr.Fields)

	// The failed create must not leave partial rows behind.
	rows, err := ds.Find(ctx, "_User", storage.Query{"username": "alice"}, storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestUniqueValueFreedOnDestroy(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "_User", storage.Object{"objectId": "u1", "username": "alice"}, storage.QueryOptions{})
	require.NoError(t, err)
	require.NoError(t, ds.Destroy(ctx, "_User", storage.Query{"objectId": "u1"}, storage.QueryOptions{}))

	_, err = ds.Create(ctx, "_User", storage.Object{"objectId": "u2", "username": "alice"}, storage.QueryOptions{})
	require.NoError(t, err)
}

func TestLoadSchema(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Create(ctx, "Game", storage.Object{"objectId": "g1"}, storage.QueryOptions{})
	require.NoError(t, err)

	loaded, err := ds.LoadSchema(ctx)
	require.NoError(t, err)
	require.True(t, loaded.ClassExists("Game"))
	require.False(t, loaded.ClassExists("Nope"))
}
