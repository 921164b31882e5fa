// Package config defines the policy knobs consumed by the write pipeline and
// session manager. Loading these values from flags or files is the embedding
// process's concern.
package config

import (
	"fmt"
	"regexp"
	"time"
)

type PasswordPolicy struct {
	// ValidatorPattern, when set, must match every new password.
	ValidatorPattern *regexp.Regexp

	// ValidatorCallback, when set, must accept every new password. Runs in
	// addition to ValidatorPattern.
	ValidatorCallback func(password string) bool

	// DoNotAllowUsername rejects passwords containing the username.
	DoNotAllowUsername bool

	// MaxPasswordHistory rejects a new password equal to any of the last N
	// passwords. Zero disables history.
	MaxPasswordHistory int

	// MaxPasswordAge, when positive, makes the pipeline stamp the time of
	// every password change so the serving layer can expire stale ones.
	MaxPasswordAge time.Duration
}

type Config struct {
	// Mount prefixes the Location returned for created objects.
	Mount string

	// SessionLength is how long a freshly minted session lives.
	SessionLength time.Duration

	// RevokeSessionOnPasswordChange destroys a user's sessions when their
	// password changes.
	RevokeSessionOnPasswordChange bool

	// AllowClientClassCreation lets non-master callers write to classes that
	// do not exist yet.
	AllowClientClassCreation bool

	// VerifyUserEmails turns on verification-email bookkeeping for new or
	// changed email addresses.
	VerifyUserEmails bool

	// PreventLoginWithUnverifiedEmail suppresses the signup session token
	// until the address is verified. Only meaningful with VerifyUserEmails.
	PreventLoginWithUnverifiedEmail bool

	PasswordPolicy *PasswordPolicy
}

func DefaultConfig() *Config {
	return &Config{
		Mount:                         "/1",
		SessionLength:                 365 * 24 * time.Hour,
		RevokeSessionOnPasswordChange: true,
		AllowClientClassCreation:      true,
	}
}

// Verify checks the configuration for contradictions before serving.
func (c *Config) Verify() error {
	if c.SessionLength <= 0 {
		return fmt.Errorf("config: session length must be positive")
	}
	if c.PreventLoginWithUnverifiedEmail && !c.VerifyUserEmails {
		return fmt.Errorf("config: preventing login with an unverified email requires email verification")
	}
	if p := c.PasswordPolicy; p != nil && p.MaxPasswordHistory < 0 {
		return fmt.Errorf("config: max password history cannot be negative")
	}
	return nil
}
