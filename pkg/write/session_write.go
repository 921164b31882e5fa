package write

import (
	"context"
	"errors"

	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/session"
	"github.com/omnibase/omnibase/pkg/storage"
)

// handleSession enforces the restrictions specific to session rows: an
// anonymous caller may not touch them, their ACL and identity fields are
// immutable, and a plain create by an authenticated user turns into a full
// login-style session mint.
func (w *Write) handleSession(ctx context.Context) error {
	if w.response != nil || w.className != "_Session" {
		return nil
	}

	if !w.auth.IsMaster && w.auth.User == nil {
		return apierrors.New(apierrors.InvalidSessionToken, "Session token required.")
	}

	if _, ok := w.data["ACL"]; ok {
		return apierrors.New(apierrors.InvalidKeyName, "Cannot set ACL on a Session.")
	}

	if !w.auth.IsMaster {
		if w.query != nil {
			if user, ok := w.data["user"]; ok {
				if storage.PointerID(user) != w.auth.UserID() {
					return apierrors.New(apierrors.InvalidKeyName, "user is an invalid session field.")
				}
			}
			if _, ok := w.data["installationId"]; ok {
				return apierrors.New(apierrors.InvalidKeyName, "installationId is an invalid session field.")
			}
			if _, ok := w.data["sessionToken"]; ok {
				return apierrors.New(apierrors.InvalidKeyName, "sessionToken is an invalid session field.")
			}
		}

		if w.query == nil {
			additional := map[string]any{}
			for k, v := range w.data {
				switch k {
				case "sessionToken", "user", "createdWith", "expiresAt", "installationId":
				default:
					additional[k] = v
				}
			}

			payload := session.NewPayload(w.s.cfg, session.CreateArgs{
				UserID:                w.auth.UserID(),
				CreatedWith:           map[string]any{"action": "create"},
				AdditionalSessionData: additional,
			})
			created, err := w.s.CreateSession(ctx, payload)
			if err != nil {
				return err
			}
			// Echo the full session data, not just the created row's id.
			payload["objectId"] = created.Response["objectId"]
			payload["createdAt"] = created.Response["createdAt"]
			w.response = &Result{
				Status:   201,
				Location: created.Location,
				Response: payload,
			}
		}
	}
	return nil
}

// destroyDuplicatedSessions keeps at most one session per (user,
// installation) pair, so a fresh login from a device supersedes the session
// it left behind.
func (w *Write) destroyDuplicatedSessions(ctx context.Context) error {
	if w.className != "_Session" || w.query != nil {
		return nil
	}

	user, hasUser := w.data["user"]
	installationID, hasInstallation := w.data["installationId"]
	if !hasUser || !hasInstallation {
		return nil
	}

	err := w.s.datastore.Destroy(ctx, "_Session", storage.Query{
		"user":           user,
		"installationId": installationID,
		"sessionToken":   map[string]any{"$ne": w.data["sessionToken"]},
	}, w.masterOptions())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// createSessionTokenIfNeeded attaches a session token to the response of a
// user signup or login. It deliberately does not gate on an existing
// response: the login path sets one and still needs its token.
func (w *Write) createSessionTokenIfNeeded(ctx context.Context) error {
	if w.className != "_User" {
		return nil
	}
	if w.query != nil && w.storage.authProvider == "" {
		return nil
	}
	// A fresh signup gets no session when the deployment requires a
	// verified email before the first login.
	if w.query == nil && w.storage.authProvider == "" &&
		w.s.cfg.PreventLoginWithUnverifiedEmail && w.s.cfg.VerifyUserEmails {
		return nil
	}
	return w.createSessionToken(ctx)
}

func (w *Write) createSessionToken(ctx context.Context) error {
	action := "signup"
	authProvider := "password"
	if w.storage.authProvider != "" {
		action = "login"
		authProvider = w.storage.authProvider
	}

	payload := session.NewPayload(w.s.cfg, session.CreateArgs{
		UserID: w.objectID(),
		CreatedWith: map[string]any{
			"action":       action,
			"authProvider": authProvider,
		},
		InstallationID: w.auth.InstallationID,
	})

	if w.response != nil && w.response.Response != nil {
		w.response.Response["sessionToken"] = payload["sessionToken"]
	}

	_, err := w.s.CreateSession(ctx, payload)
	return err
}
