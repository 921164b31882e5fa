package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnibase/omnibase/pkg/config"
	"github.com/omnibase/omnibase/pkg/storage"
)

func TestNewTokenFormat(t *testing.T) {
	token := NewToken()
	require.True(t, strings.HasPrefix(token, "r:"))
	require.Len(t, token, 34)
	require.NotContains(t, token, "-")
	require.NotEqual(t, token, NewToken())
}

func TestNewPayload(t *testing.T) {
	cfg := config.DefaultConfig()

	payload := NewPayload(cfg, CreateArgs{
		UserID:         "u1",
		CreatedWith:    map[string]any{"action": "login", "authProvider": "password"},
		InstallationID: "install-1",
		AdditionalSessionData: map[string]any{
			"restricted": false,
		},
	})

	require.Equal(t, storage.Pointer("_User", "u1"), payload["user"])
	require.Equal(t, map[string]any{"action": "login", "authProvider": "password"}, payload["createdWith"])
	require.Equal(t, "install-1", payload["installationId"])
	require.Equal(t, false, payload["restricted"])

	expiresAt, err := time.Parse(time.RFC3339Nano, payload["expiresAt"].(string))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(cfg.SessionLength), expiresAt, time.Minute)
}

func TestNewPayloadOmitsEmptyInstallation(t *testing.T) {
	payload := NewPayload(config.DefaultConfig(), CreateArgs{UserID: "u1"})
	require.NotContains(t, payload, "installationId")
}
