package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigVerifies(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyRejectsBadSessionLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionLength = 0
	require.Error(t, cfg.Verify())
}

func TestVerifyRequiresEmailVerification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreventLoginWithUnverifiedEmail = true
	require.Error(t, cfg.Verify())

	cfg.VerifyUserEmails = true
	require.NoError(t, cfg.Verify())
}

func TestVerifyRejectsNegativeHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PasswordPolicy = &PasswordPolicy{MaxPasswordHistory: -1}
	require.Error(t, cfg.Verify())
}
