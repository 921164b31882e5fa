package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestACLMasterBypass(t *testing.T) {
	obj := Object{"ACL": map[string]any{}}

	require.True(t, ReadableBy(obj, nil))
	require.True(t, WritableBy(obj, nil))
}

func TestACLMissingIsPublic(t *testing.T) {
	obj := Object{"objectId": "x"}

	require.True(t, ReadableBy(obj, []string{"*"}))
	require.True(t, WritableBy(obj, []string{"*"}))
}

func TestACLSubjects(t *testing.T) {
	obj := Object{"ACL": map[string]any{
		"*":          map[string]any{"read": true},
		"u1":         map[string]any{"read": true, "write": true},
		"role:admin": map[string]any{"write": true},
	}}

	tests := map[string]struct {
		subjects []string
		readable bool
		writable bool
	}{
		"public":      {[]string{"*"}, true, false},
		"owner":       {[]string{"*", "u1"}, true, true},
		"other user":  {[]string{"*", "u2"}, true, false},
		"admin role":  {[]string{"*", "u2", "role:admin"}, true, true},
		"no subjects": {[]string{}, false, false},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.readable, ReadableBy(obj, test.subjects))
			require.Equal(t, test.writable, WritableBy(obj, test.subjects))
		})
	}
}

func TestACLEmptyLocksOut(t *testing.T) {
	obj := Object{"ACL": map[string]any{}}

	require.False(t, ReadableBy(obj, []string{"*", "u1"}))
	require.False(t, WritableBy(obj, []string{"*", "u1"}))
}
