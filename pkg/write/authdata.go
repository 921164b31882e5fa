package write

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/storage"
	"github.com/omnibase/omnibase/pkg/triggers"
)

// validateAuthData checks the credential shape of a user write. A create
// needs either username+password or at least one well-formed authData
// provider entry; anything else is rejected before the linking logic runs.
func (w *Write) validateAuthData(ctx context.Context) error {
	if w.response != nil || w.className != "_User" {
		return nil
	}

	authData, hasAuthData := w.data["authData"]

	if w.query == nil && !hasAuthData {
		if username, _ := w.data["username"].(string); username == "" {
			return apierrors.New(apierrors.UsernameMissing, "bad or missing username")
		}
		if password, _ := w.data["password"].(string); password == "" {
			return apierrors.New(apierrors.PasswordMissing, "password is required")
		}
		return nil
	}
	if !hasAuthData {
		return nil
	}

	providers, ok := authData.(map[string]any)
	if !ok || len(providers) == 0 {
		return apierrors.New(apierrors.UnsupportedService,
			"This authentication method is unsupported.")
	}

	usable := 0
	for _, payload := range providers {
		if payload == nil {
			// A null entry unlinks the provider.
			continue
		}
		entry, ok := payload.(map[string]any)
		if !ok || entry["id"] == nil {
			return apierrors.New(apierrors.UnsupportedService,
				"This authentication method is unsupported.")
		}
		usable++
	}
	if usable > 0 {
		return w.handleAuthData(ctx, providers)
	}
	if w.query != nil {
		// An update consisting purely of unlinks is fine.
		return nil
	}
	return apierrors.New(apierrors.UnsupportedService,
		"This authentication method is unsupported.")
}

// handleAuthData resolves posted provider credentials against the users that
// already hold them. Zero matches is a plain signup or link; one match is a
// login or relink; more than one is always a conflict.
func (w *Write) handleAuthData(ctx context.Context, authData map[string]any) error {
	var names []string
	var orQueries []any
	for name, payload := range authData {
		if payload == nil {
			continue
		}
		entry := payload.(map[string]any)
		if validator := w.s.providers.Validator(name); validator == nil {
			return apierrors.New(apierrors.UnsupportedService,
				"This authentication method is unsupported.")
		} else if err := validator(entry); err != nil {
			return err
		}
		names = append(names, name)
		orQueries = append(orQueries, storage.Query{"authData." + name + ".id": entry["id"]})
	}
	sort.Strings(names)
	w.storage.authProvider = strings.Join(names, ",")

	rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{"$or": orQueries}, w.masterOptions())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// Rows carrying an explicitly empty ACL are locked-out legacy accounts
	// and never participate in login.
	matches := rows[:0]
	for _, row := range rows {
		if acl, ok := row["ACL"].(map[string]any); ok && len(acl) == 0 {
			continue
		}
		matches = append(matches, row)
	}

	if len(matches) > 1 {
		return apierrors.New(apierrors.AccountAlreadyLinked, "this auth is already used")
	}
	if len(matches) == 0 {
		return nil
	}

	match := matches[0]
	matchedID, _ := match["objectId"].(string)
	storedAuthData, _ := match["authData"].(map[string]any)

	mutated := map[string]any{}
	for name, payload := range authData {
		if !reflect.DeepEqual(storedAuthData[name], payload) {
			mutated[name] = payload
		}
	}

	if !w.auth.IsUnauthenticated() && w.auth.UserID() != matchedID {
		if len(mutated) == 0 {
			return nil
		}
		return apierrors.New(apierrors.AccountAlreadyLinked, "this auth is already used")
	}

	// Login or relink as the matched user.
	delete(match, "password")
	delete(match, "_hashed_password")
	w.data["objectId"] = matchedID

	if w.query == nil {
		// A genuine login: the hook sees the user before any auth-data
		// mutation is persisted.
		if err := w.runBeforeLoginTrigger(ctx, match); err != nil {
			return err
		}

		if len(mutated) > 0 {
			merged := map[string]any{}
			for name, payload := range storedAuthData {
				merged[name] = payload
			}
			for name, payload := range mutated {
				merged[name] = payload
			}
			updated, err := w.s.datastore.Update(ctx, "_User",
				storage.Query{"objectId": matchedID},
				storage.Object{"authData": merged}, w.masterOptions())
			if err != nil {
				return err
			}
			for k, v := range updated {
				match[k] = v
			}
		}

		w.response = &Result{
			Response: match,
			Location: w.location(matchedID),
		}
	}
	return nil
}

func (w *Write) runBeforeLoginTrigger(ctx context.Context, user storage.Object) error {
	if !w.s.triggers.Exists(w.className, triggers.BeforeLogin) {
		return nil
	}
	_, err := w.s.triggers.Run(ctx, &triggers.Request{
		Kind:           triggers.BeforeLogin,
		ClassName:      w.className,
		Object:         triggers.Inflate(storage.Object{"className": w.className}, user),
		Master:         w.auth.IsMaster,
		User:           w.auth.User,
		InstallationID: w.auth.InstallationID,
		Context:        w.triggerContext,
	})
	return err
}
