package write

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/config"
	"github.com/omnibase/omnibase/pkg/passwords"
	"github.com/omnibase/omnibase/pkg/storage"
)

// transformUser applies the user-class invariants: the emailVerified guard,
// session invalidation on update, password policy and hashing, and
// case-insensitive username/email uniqueness.
func (w *Write) transformUser(ctx context.Context) error {
	if w.className != "_User" || w.response != nil {
		return nil
	}

	if !w.auth.IsMaster {
		if _, ok := w.data["emailVerified"]; ok {
			return apierrors.New(apierrors.OperationForbidden,
				"Clients aren't allowed to manually update email verification.")
		}
	}

	if w.query != nil {
		if err := w.invalidateCachedSessions(ctx); err != nil {
			return err
		}
	}

	if password, ok := w.data["password"].(string); ok {
		if w.query != nil {
			w.storage.clearSessions = true
			if !w.auth.IsMaster {
				w.storage.generateNewSession = true
			}
		}
		if err := w.validatePasswordPolicy(ctx, password); err != nil {
			return err
		}
		hashed, err := passwords.Hash(password)
		if err != nil {
			return err
		}
		w.data["_hashed_password"] = hashed
		delete(w.data, "password")
	}

	if err := w.validateUserName(ctx); err != nil {
		return err
	}
	return w.validateEmail(ctx)
}

// invalidateCachedSessions evicts every cached session of the user being
// updated, so stale user JSON never resolves from a token again.
func (w *Write) invalidateCachedSessions(ctx context.Context) error {
	sessions, err := w.s.datastore.Find(ctx, "_Session", storage.Query{
		"user": storage.Pointer("_User", w.objectID()),
	}, w.masterOptions())
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if token, ok := session["sessionToken"].(string); ok {
			w.s.userCache.Del(token)
		}
	}
	return nil
}

func (w *Write) validatePasswordPolicy(ctx context.Context, password string) error {
	policy := w.s.cfg.PasswordPolicy
	if policy == nil {
		return nil
	}
	if err := w.validatePasswordRequirements(ctx, password, policy); err != nil {
		return err
	}
	return w.validatePasswordHistory(ctx, password, policy)
}

func (w *Write) validatePasswordRequirements(ctx context.Context, password string, policy *config.PasswordPolicy) error {
	if policy.ValidatorPattern != nil && !policy.ValidatorPattern.MatchString(password) {
		return apierrors.New(apierrors.ValidationError,
			"Password does not meet the Password Policy requirements.")
	}
	if policy.ValidatorCallback != nil && !policy.ValidatorCallback(password) {
		return apierrors.New(apierrors.ValidationError,
			"Password does not meet the Password Policy requirements.")
	}

	if policy.DoNotAllowUsername {
		username, _ := w.data["username"].(string)
		if username == "" && w.query != nil {
			// Password-only reset: check against the stored username.
			rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{"objectId": w.objectID()},
				storage.QueryOptions{Limit: 1})
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				username, _ = rows[0]["username"].(string)
			}
		}
		if username != "" && strings.Contains(password, username) {
			return apierrors.New(apierrors.ValidationError,
				"Password cannot contain your username.")
		}
	}
	return nil
}

func (w *Write) validatePasswordHistory(ctx context.Context, password string, policy *config.PasswordPolicy) error {
	if policy.MaxPasswordHistory <= 0 || w.query == nil {
		return nil
	}

	rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{"objectId": w.objectID()},
		storage.QueryOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	user := rows[0]

	// The last maxPasswordHistory-1 hashes from history plus the current one.
	var oldHashes []string
	if history, ok := user["_password_history"].([]any); ok {
		keep := policy.MaxPasswordHistory - 1
		if len(history) > keep {
			history = history[len(history)-keep:]
		}
		for _, h := range history {
			if hash, ok := h.(string); ok {
				oldHashes = append(oldHashes, hash)
			}
		}
	}
	if current, ok := user["_hashed_password"].(string); ok {
		oldHashes = append(oldHashes, current)
	}

	for _, hash := range oldHashes {
		if passwords.Compare(password, hash) {
			return apierrors.Newf(apierrors.ValidationError,
				"New password should not be the same as last %d passwords.", policy.MaxPasswordHistory)
		}
	}
	return nil
}

func (w *Write) validateUserName(ctx context.Context) error {
	username, ok := w.data["username"].(string)
	if !ok || username == "" {
		if w.query == nil {
			w.data["username"] = randomUsername()
			w.storage.responseShouldHaveUsername = true
		}
		return nil
	}

	rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{
		"username": storage.CaseInsensitiveEqual(username),
		"objectId": map[string]any{"$ne": w.objectID()},
	}, w.masterOptions())
	if err != nil {
		return err
	}
	for _, row := range rows {
		// Accounts that only ever authenticated anonymously don't own
		// their generated username.
		if isAnonymousOnly(row) {
			continue
		}
		return apierrors.New(apierrors.UsernameTaken, "Account already exists for this username.")
	}
	return nil
}

func (w *Write) validateEmail(ctx context.Context) error {
	email, ok := w.data["email"].(string)
	if !ok || email == "" {
		return nil
	}

	rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{
		"email":    storage.CaseInsensitiveEqual(email),
		"objectId": map[string]any{"$ne": w.objectID()},
	}, storage.QueryOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return apierrors.New(apierrors.EmailTaken, "Account already exists for this email address.")
	}

	if w.s.cfg.VerifyUserEmails {
		w.storage.sendVerificationEmail = true
		w.s.users.SetEmailVerifyToken(w.data)
	}
	return nil
}

// stampPasswordMetadata records password-change time and history on update,
// when the respective policies are configured.
func (w *Write) stampPasswordMetadata(ctx context.Context) error {
	policy := w.s.cfg.PasswordPolicy
	if policy == nil {
		return nil
	}
	if _, changed := w.data["_hashed_password"]; !changed {
		return nil
	}

	if policy.MaxPasswordAge > 0 {
		w.data["_password_changed_at"] = w.updatedAt
	}

	if policy.MaxPasswordHistory > 0 {
		rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{"objectId": w.objectID()},
			storage.QueryOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		user := rows[0]

		var history []any
		if prior, ok := user["_password_history"].([]any); ok {
			history = prior
		}
		if current, ok := user["_hashed_password"].(string); ok {
			history = append(history, current)
		}
		// Shift the oldest out once the configured depth is exceeded.
		if keep := policy.MaxPasswordHistory - 1; len(history) > keep {
			history = history[len(history)-keep:]
		}
		w.data["_password_history"] = history
	}
	return nil
}

func isAnonymousOnly(user storage.Object) bool {
	authData, ok := user["authData"].(map[string]any)
	if !ok || len(authData) != 1 {
		return false
	}
	_, anonymous := authData["anonymous"]
	return anonymous
}

func randomUsername() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:25]
}
