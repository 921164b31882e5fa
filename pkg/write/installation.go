package write

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/omnibase/omnibase/internal/concurrency"
	"github.com/omnibase/omnibase/pkg/apierrors"
	"github.com/omnibase/omnibase/pkg/storage"
)

// handleInstallation reconciles an installation write against the rows that
// already claim its installationId or deviceToken. Devices re-register over
// and over, so what arrives as a create is frequently folded into an existing
// row instead: the resolved objectId rewrites the query and the write
// proceeds as an update.
func (w *Write) handleInstallation(ctx context.Context) error {
	if w.response != nil || w.className != "_Installation" {
		return nil
	}

	if w.query == nil &&
		w.data["deviceToken"] == nil &&
		w.data["installationId"] == nil &&
		w.auth.InstallationID == "" {
		return apierrors.New(apierrors.MissingRequiredField,
			"at least one ID field (deviceToken, installationId) must be specified in this operation")
	}

	installationID, _ := w.data["installationId"].(string)
	if !w.auth.IsMaster && installationID == "" {
		installationID = w.auth.InstallationID
	}
	installationID = strings.ToLower(installationID)
	if installationID != "" {
		w.data["installationId"] = installationID
	}

	// 64-character tokens are raw APNs tokens, stored lower-cased.
	if token, ok := w.data["deviceToken"].(string); ok && len(token) == 64 {
		w.data["deviceToken"] = strings.ToLower(token)
	}

	// An update that touches none of the identity fields needs no merging.
	if w.query != nil &&
		w.data["deviceToken"] == nil &&
		installationID == "" &&
		w.data["deviceType"] == nil {
		return nil
	}

	var orQueries []any
	if w.query != nil {
		if oid, ok := w.query["objectId"]; ok {
			orQueries = append(orQueries, storage.Query{"objectId": oid})
		}
	}
	if installationID != "" {
		orQueries = append(orQueries, storage.Query{"installationId": installationID})
	}
	if token, ok := w.data["deviceToken"]; ok && token != nil {
		orQueries = append(orQueries, storage.Query{"deviceToken": token})
	}

	rows, err := w.s.datastore.Find(ctx, "_Installation",
		storage.Query{"$or": orQueries}, w.masterOptions())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	var objectIDMatch, installationIDMatch storage.Object
	var deviceTokenMatches []storage.Object
	for _, row := range rows {
		if w.query != nil && row["objectId"] == w.query["objectId"] {
			objectIDMatch = row
		}
		if installationID != "" && row["installationId"] == installationID {
			installationIDMatch = row
		}
		if token, ok := w.data["deviceToken"]; ok && row["deviceToken"] == token {
			deviceTokenMatches = append(deviceTokenMatches, row)
		}
	}

	if w.query != nil && w.query["objectId"] != nil {
		if objectIDMatch == nil {
			return apierrors.New(apierrors.ObjectNotFound, "Object not found for update.")
		}
		if err := checkImmutableInstallationFields(w.data, objectIDMatch); err != nil {
			return err
		}
	}

	idMatch := objectIDMatch
	if idMatch == nil {
		idMatch = installationIDMatch
	}

	var resolvedObjectID string
	switch {
	case idMatch == nil && len(deviceTokenMatches) == 0:
		// Nothing conflicts; proceed as a fresh create.

	case idMatch == nil && len(deviceTokenMatches) == 1 &&
		(deviceTokenMatches[0]["installationId"] == nil || installationID == ""):
		// A single token match with no competing installationId is the same
		// device re-registering; merge into it.
		resolvedObjectID, _ = deviceTokenMatches[0]["objectId"].(string)

	case idMatch == nil:
		if w.data["installationId"] == nil {
			return apierrors.New(apierrors.InvalidInstallationID,
				"Must specify installationId when deviceToken matches multiple Installation objects")
		}
		// The caller's installationId wins; rows sharing the token under a
		// different installationId are stale and are removed off the
		// request path.
		w.destroyInstallationsInBackground(ctx, storage.Query{
			"deviceToken":    w.data["deviceToken"],
			"installationId": map[string]any{"$ne": installationID},
		})

	case len(deviceTokenMatches) == 1 && deviceTokenMatches[0]["installationId"] == nil:
		// The token row predates installationId tracking; fold the id match
		// into it and drop the id match.
		err := w.s.datastore.Destroy(ctx, "_Installation",
			storage.Query{"objectId": idMatch["objectId"]}, w.masterOptions())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		resolvedObjectID, _ = deviceTokenMatches[0]["objectId"].(string)

	default:
		if token, ok := w.data["deviceToken"]; ok && idMatch["deviceToken"] != token {
			// The device token changed; older rows holding the new token are
			// orphans, scoped so the row being kept survives.
			delQuery := storage.Query{"deviceToken": token}
			if installationID != "" {
				delQuery["installationId"] = map[string]any{"$ne": installationID}
			} else if oid, ok := idMatch["objectId"].(string); ok && oid != "" {
				delQuery["objectId"] = map[string]any{"$ne": oid}
			}
			err := w.s.datastore.Destroy(ctx, "_Installation", delQuery, w.masterOptions())
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		resolvedObjectID, _ = idMatch["objectId"].(string)
	}

	if resolvedObjectID != "" {
		w.query = storage.Query{"objectId": resolvedObjectID}
		delete(w.data, "objectId")
		delete(w.data, "createdAt")
	}
	return nil
}

// destroyInstallationsInBackground removes stale installation rows without
// holding up the write that made them stale.
func (w *Write) destroyInstallationsInBackground(ctx context.Context, query storage.Query) {
	datastore := w.s.datastore
	log := w.s.logger
	options := w.masterOptions()

	p := concurrency.NewPool(context.WithoutCancel(ctx), 1)
	p.Go(func(ctx context.Context) error {
		err := datastore.Destroy(ctx, "_Installation", query, options)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	go func() {
		if err := p.Wait(); err != nil {
			log.Error("stale installation cleanup failed", zap.Error(err))
		}
	}()
}

func checkImmutableInstallationFields(data, existing storage.Object) error {
	for _, field := range []string{"installationId", "deviceToken", "deviceType"} {
		posted, ok := data[field]
		if !ok || posted == nil {
			continue
		}
		current := existing[field]
		if current == nil || current == posted {
			continue
		}
		if field == "deviceToken" && (data["installationId"] != nil || existing["installationId"] != nil) {
			// With an installationId anchoring the row, the token may roll
			// forward; the merge logic below reconciles the old token's rows.
			continue
		}
		return apierrors.Newf(apierrors.ChangedImmutableField,
			"%s may not be changed in this operation", field)
	}
	return nil
}
