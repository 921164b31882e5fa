// Package session builds session records. Building is split from persisting
// so the write pipeline can hand the token back in its own response before
// the session row is durable; persistence goes back through the pipeline.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnibase/omnibase/pkg/config"
	"github.com/omnibase/omnibase/pkg/storage"
)

// CreateArgs describe the session to build.
type CreateArgs struct {
	UserID         string
	CreatedWith    map[string]any
	InstallationID string

	// AdditionalSessionData carries caller-supplied extra fields, merged
	// into the session record verbatim.
	AdditionalSessionData map[string]any
}

// NewToken mints an opaque bearer token.
func NewToken() string {
	return "r:" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Expiry computes the expiresAt for a session created now.
func Expiry(cfg *config.Config) time.Time {
	return time.Now().UTC().Add(cfg.SessionLength)
}

// NewPayload builds the not-yet-persisted session record. The expiry is
// always set here; lookups reject any session whose expiry has passed.
func NewPayload(cfg *config.Config, args CreateArgs) storage.Object {
	data := storage.Object{
		"sessionToken": NewToken(),
		"user":         storage.Pointer("_User", args.UserID),
		"createdWith":  args.CreatedWith,
		"expiresAt":    Expiry(cfg).Format(time.RFC3339Nano),
	}
	if args.InstallationID != "" {
		data["installationId"] = args.InstallationID
	}
	for k, v := range args.AdditionalSessionData {
		data[k] = v
	}
	return data
}
