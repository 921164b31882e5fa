package write

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/omnibase/omnibase/internal/build"
	interrors "github.com/omnibase/omnibase/internal/errors"
	"github.com/omnibase/omnibase/pkg/apierrors"
	pkgerrors "github.com/omnibase/omnibase/pkg/errors"
	"github.com/omnibase/omnibase/pkg/id"
	"github.com/omnibase/omnibase/pkg/identity"
	"github.com/omnibase/omnibase/pkg/storage"
	"github.com/omnibase/omnibase/pkg/triggers"
)

var tracer = otel.Tracer("omnibase/write")

var writesStartedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "writes_started_count",
	Help:      "The total number of write pipelines started, by class.",
}, []string{"class"})

// Result is what a completed write resolves with. Response may be nil when
// no step produced one, which callers must treat as "no content".
type Result struct {
	Status   int
	Location string
	Response storage.Object
}

// scratch is the ephemeral flag storage steps leave for later steps.
type scratch struct {
	fieldsChangedByTrigger     []string
	clearSessions              bool
	generateNewSession         bool
	sendVerificationEmail      bool
	authProvider               string
	responseShouldHaveUsername bool
}

// Write is one run of the pipeline. It is created per write call, mutated in
// place by each step, and discarded after Execute resolves.
type Write struct {
	s    *Server
	auth *identity.Identity

	className string

	// query identifies the object being updated; nil means create.
	query storage.Query

	// data is the caller's field changes, deep-copied at construction.
	data storage.Object

	// originalData is the immutable pre-write snapshot (update only).
	originalData storage.Object

	// runOptions carry the caller's effective ACL into every datastore call.
	runOptions storage.QueryOptions

	// triggerContext is the opaque map passed to hooks.
	triggerContext map[string]any

	// updatedAt is fixed at construction so every stamp in one write agrees.
	updatedAt string

	schema storage.Schema

	// response, once set, short-circuits the remaining steps. Each step must
	// early-return when it is already set, except runDatabaseOperation and
	// cleanUserAuthData which gate internally, and createSessionTokenIfNeeded
	// which attaches to an existing response.
	response *Result

	storage scratch
}

// NewWrite validates and prepares a write. A nil query means create; a
// non-nil query must carry the objectId of the row being updated, with
// originalData its current state.
func (s *Server) NewWrite(auth *identity.Identity, className string, query storage.Query, data storage.Object, originalData storage.Object, triggerContext map[string]any) (*Write, error) {
	if auth.IsReadOnly {
		return nil, apierrors.New(apierrors.OperationForbidden,
			"Cannot perform a write operation when using a read-only master key.")
	}
	if query == nil {
		if _, ok := data["objectId"]; ok {
			return nil, apierrors.New(apierrors.InvalidKeyName,
				"objectId is an invalid field name.")
		}
		if _, ok := data["id"]; ok {
			return nil, apierrors.New(apierrors.InvalidKeyName,
				"id is an invalid field name.")
		}
	}

	return &Write{
		s:              s,
		auth:           auth,
		className:      className,
		query:          copyQuery(query),
		data:           deepCopy(data),
		originalData:   originalData,
		triggerContext: triggerContext,
		updatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Execute runs the pipeline steps strictly in order. A step error aborts the
// rest and surfaces to the caller verbatim.
func (w *Write) Execute(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "write.Execute")
	defer span.End()

	writesStartedCount.WithLabelValues(w.className).Inc()

	steps := []func(context.Context) error{
		w.getUserAndRoleACL,
		w.validateClientClassCreation,
		w.handleInstallation,
		w.handleSession,
		w.validateAuthData,
		w.runBeforeSaveTrigger,
		w.deleteEmailResetTokenIfNeeded,
		w.validateSchema,
		w.setRequiredFieldsIfNeeded,
		w.transformUser,
		w.expandFilesForExistingObjects,
		w.destroyDuplicatedSessions,
		w.runDatabaseOperation,
		w.createSessionTokenIfNeeded,
		w.handleFollowup,
		w.runAfterSaveTrigger,
		w.cleanUserAuthData,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			// Coded errors surface to the caller verbatim. Anything else is
			// an infrastructure fault: log it with its stack and hide the
			// detail behind a generic code.
			if apierrors.CodeOf(err) == apierrors.OtherCause {
				err = pkgerrors.ErrorWithStack(err)
				w.s.logger.Error("write failed",
					zap.String("class", w.className), zap.Error(err))
				return nil, interrors.With(err,
					apierrors.New(apierrors.InternalServerError, "Internal server error."))
			}
			return nil, err
		}
	}

	if w.response == nil {
		return &Result{}, nil
	}
	return w.response, nil
}

// objectID returns the id of the object being written: the query's on
// update, the assigned one on create.
func (w *Write) objectID() string {
	if w.query != nil {
		if oid, ok := w.query["objectId"].(string); ok {
			return oid
		}
	}
	oid, _ := w.data["objectId"].(string)
	return oid
}

func (w *Write) masterOptions() storage.QueryOptions {
	return storage.QueryOptions{}
}

// getUserAndRoleACL seeds runOptions.acl with the caller's subjects: public,
// their user id, and their resolved role names.
func (w *Write) getUserAndRoleACL(ctx context.Context) error {
	if w.auth.IsMaster {
		return nil
	}

	acl := []string{"*"}
	if w.auth.User != nil {
		acl = append(acl, w.auth.UserID())
		roles, err := w.auth.UserRoles(ctx)
		if err != nil {
			return err
		}
		acl = append(acl, roles...)
	}
	w.runOptions.ACL = acl
	return nil
}

func (w *Write) validateClientClassCreation(ctx context.Context) error {
	if w.s.cfg.AllowClientClassCreation || w.auth.IsMaster || storage.IsSystemClass(w.className) {
		return nil
	}

	schema, err := w.s.datastore.LoadSchema(ctx)
	if err != nil {
		return err
	}
	if !schema.ClassExists(w.className) {
		return apierrors.Newf(apierrors.OperationForbidden,
			"This user is not allowed to access non-existent class: %s", w.className)
	}
	return nil
}

func (w *Write) runBeforeSaveTrigger(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	if !w.s.triggers.Exists(w.className, triggers.BeforeSave) {
		return nil
	}

	// Re-validate the operation against the current ACL before handing the
	// object to user code.
	if _, err := w.s.datastore.ValidateObject(ctx, w.className, w.data, w.query, w.runOptions); err != nil {
		return err
	}
	if w.query != nil {
		rows, err := w.s.datastore.Find(ctx, w.className, w.query, w.masterOptions())
		if err != nil {
			return err
		}
		if len(rows) == 0 || !storage.WritableBy(rows[0], w.runOptions.ACL) {
			return apierrors.New(apierrors.ObjectNotFound, "Object not found.")
		}
	}

	updated, original := w.inflatedObjects()
	replacement, err := w.s.triggers.Run(ctx, &triggers.Request{
		Kind:           triggers.BeforeSave,
		ClassName:      w.className,
		Object:         updated,
		Original:       original,
		Master:         w.auth.IsMaster,
		User:           w.auth.User,
		InstallationID: w.auth.InstallationID,
		Context:        w.triggerContext,
	})
	if err != nil {
		return err
	}
	if replacement == nil {
		return nil
	}

	delete(replacement, "className")
	w.storage.fieldsChangedByTrigger = nil
	for field, value := range replacement {
		if !reflect.DeepEqual(w.data[field], value) {
			w.storage.fieldsChangedByTrigger = append(w.storage.fieldsChangedByTrigger, field)
		}
	}
	w.data = replacement
	if w.query != nil {
		delete(w.data, "objectId")
	}
	return nil
}

func (w *Write) deleteEmailResetTokenIfNeeded(ctx context.Context) error {
	if w.className != "_User" || w.query == nil || w.response != nil {
		return nil
	}

	_, changesPassword := w.data["password"]
	_, changesEmail := w.data["email"]
	if changesPassword || changesEmail {
		w.data["_perishable_token"] = nil
		w.data["_perishable_token_expires_at"] = nil
	}
	return nil
}

func (w *Write) validateSchema(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	schema, err := w.s.datastore.ValidateObject(ctx, w.className, w.data, w.query, w.runOptions)
	if err != nil {
		return err
	}
	w.schema = schema
	return nil
}

func (w *Write) setRequiredFieldsIfNeeded(ctx context.Context) error {
	if w.response != nil {
		return nil
	}

	w.data["updatedAt"] = w.updatedAt
	if w.query == nil {
		w.data["createdAt"] = w.updatedAt
		if oid, ok := w.data["objectId"].(string); !ok || oid == "" {
			oid, err := id.NewString()
			if err != nil {
				return err
			}
			w.data["objectId"] = oid
		}
	}
	return nil
}

func (w *Write) expandFilesForExistingObjects(ctx context.Context) error {
	if w.response == nil || w.response.Response == nil {
		return nil
	}
	return w.s.files.ExpandFilesInObject(ctx, w.response.Response)
}

// runDatabaseOperation is the unconditional gate in front of the datastore:
// it only returns early when a response already exists.
func (w *Write) runDatabaseOperation(ctx context.Context) error {
	if w.response != nil {
		return nil
	}

	if w.className == "_Role" {
		w.s.roleCache.Clear()
	}

	if w.className == "_User" && w.query != nil && w.auth.IsUnauthenticated() {
		return apierrors.Newf(apierrors.SessionMissing, "Cannot modify user %v.", w.query["objectId"])
	}

	if w.className == "_Product" {
		if download, ok := w.data["download"].(map[string]any); ok {
			if name, ok := download["name"]; ok {
				w.data["downloadName"] = name
			}
		}
	}

	if acl, ok := w.data["ACL"].(map[string]any); ok {
		if _, unresolved := acl["*unresolved"]; unresolved {
			return apierrors.New(apierrors.InvalidACL, "Invalid ACL.")
		}
	}

	if w.query != nil {
		return w.runUpdate(ctx)
	}
	return w.runCreate(ctx)
}

func (w *Write) runUpdate(ctx context.Context) error {
	if w.className == "_User" {
		// The modifying user always keeps read/write on their own record,
		// even if the posted ACL omitted it.
		if acl, ok := w.data["ACL"].(map[string]any); ok && !w.auth.IsMaster {
			if oid, ok := w.query["objectId"].(string); ok {
				acl[oid] = map[string]any{"read": true, "write": true}
			}
		}
		if err := w.stampPasswordMetadata(ctx); err != nil {
			return err
		}
	}

	result, err := w.s.datastore.Update(ctx, w.className, w.query, w.data, w.runOptions)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return interrors.With(err, apierrors.New(apierrors.ObjectNotFound, "Object not found."))
		}
		return err
	}

	w.updateResponseWithData(result)
	w.response = &Result{Response: result}
	return nil
}

func (w *Write) runCreate(ctx context.Context) error {
	if w.className == "_User" {
		if _, ok := w.data["ACL"]; !ok {
			// Default ACL: public read, owner read/write, nobody else writes.
			oid, _ := w.data["objectId"].(string)
			w.data["ACL"] = map[string]any{
				"*": map[string]any{"read": true},
				oid: map[string]any{"read": true, "write": true},
			}
		}
		if w.s.cfg.PasswordPolicy != nil && w.s.cfg.PasswordPolicy.MaxPasswordAge > 0 {
			w.data["_password_changed_at"] = w.updatedAt
		}
	}

	if _, err := w.s.datastore.Create(ctx, w.className, w.data, w.runOptions); err != nil {
		var uniqueErr *storage.UniqueValueError
		if errors.As(err, &uniqueErr) {
			if w.className == "_User" {
				return w.disambiguateDuplicate(ctx, err)
			}
			return interrors.With(err, apierrors.New(apierrors.DuplicateValue,
				"A duplicate value for a field with unique values was provided."))
		}
		return err
	}

	response := storage.Object{
		"objectId":  w.data["objectId"],
		"createdAt": w.data["createdAt"],
	}
	if w.storage.responseShouldHaveUsername {
		response["username"] = w.data["username"]
	}
	w.updateResponseWithData(response)
	w.response = &Result{
		Status:   201,
		Location: w.location(w.objectID()),
		Response: response,
	}
	return nil
}

// disambiguateDuplicate re-queries after a uniqueness violation on user
// create to name the colliding field. This is the only automatic retry in
// the pipeline.
func (w *Write) disambiguateDuplicate(ctx context.Context, cause error) error {
	limit1 := storage.QueryOptions{Limit: 1}

	if username, ok := w.data["username"].(string); ok {
		rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{
			"username": username,
			"objectId": map[string]any{"$ne": w.objectID()},
		}, limit1)
		if err == nil && len(rows) > 0 {
			return interrors.With(cause, apierrors.New(apierrors.UsernameTaken,
				"Account already exists for this username."))
		}
	}
	if email, ok := w.data["email"].(string); ok {
		rows, err := w.s.datastore.Find(ctx, "_User", storage.Query{
			"email":    email,
			"objectId": map[string]any{"$ne": w.objectID()},
		}, limit1)
		if err == nil && len(rows) > 0 {
			return interrors.With(cause, apierrors.New(apierrors.EmailTaken,
				"Account already exists for this email address."))
		}
	}
	return interrors.With(cause, apierrors.New(apierrors.DuplicateValue,
		"A duplicate value for a field with unique values was provided."))
}

// updateResponseWithData reconciles fields the beforeSave hook changed into
// what is echoed back to the caller.
func (w *Write) updateResponseWithData(response storage.Object) {
	for _, field := range w.storage.fieldsChangedByTrigger {
		if value, ok := w.data[field]; ok && value != nil {
			response[field] = value
		} else {
			delete(response, field)
		}
	}
}

func (w *Write) handleFollowup(ctx context.Context) error {
	if w.storage.clearSessions && w.s.cfg.RevokeSessionOnPasswordChange {
		w.storage.clearSessions = false
		err := w.s.datastore.Destroy(ctx, "_Session", storage.Query{
			"user": storage.Pointer("_User", w.objectID()),
		}, w.masterOptions())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return w.handleFollowup(ctx)
	}

	if w.storage.generateNewSession {
		w.storage.generateNewSession = false
		if err := w.createSessionToken(ctx); err != nil {
			return err
		}
		return w.handleFollowup(ctx)
	}

	if w.storage.sendVerificationEmail {
		w.storage.sendVerificationEmail = false
		data := deepCopy(w.data)
		userController := w.s.users
		// Delivery is never awaited; failures are the controller's problem.
		go userController.SendVerificationEmail(context.WithoutCancel(ctx), data)
	}
	return nil
}

func (w *Write) runAfterSaveTrigger(ctx context.Context) error {
	if w.response == nil || w.response.Response == nil {
		return nil
	}

	hasAfterSave := w.s.triggers.Exists(w.className, triggers.AfterSave)
	hasLiveQuery := w.s.liveQuery.HasLiveQuery(w.className)
	if !hasAfterSave && !hasLiveQuery {
		return nil
	}

	updated, original := w.inflatedObjects()

	// The live-query layer needs class-level permissions from a fresh schema
	// load; on failure fall back to the handle validateSchema captured, and
	// never surface the error to the caller.
	var classPerms map[string]any
	if schema, err := w.s.datastore.LoadSchema(ctx); err == nil {
		classPerms = schema.GetClassLevelPermissions(w.className)
	} else {
		w.s.logger.Error("schema load for afterSave failed", zap.String("class", w.className), zap.Error(err))
		if w.schema != nil {
			classPerms = w.schema.GetClassLevelPermissions(w.className)
		}
	}
	if hasLiveQuery {
		w.s.liveQuery.OnAfterSave(ctx, w.className, updated, original, classPerms)
	}

	if hasAfterSave {
		_, err := w.s.triggers.Run(ctx, &triggers.Request{
			Kind:           triggers.AfterSave,
			ClassName:      w.className,
			Object:         updated,
			Original:       original,
			Master:         w.auth.IsMaster,
			User:           w.auth.User,
			InstallationID: w.auth.InstallationID,
			Context:        w.triggerContext,
		})
		if err != nil {
			w.s.logger.Error("afterSave trigger failed", zap.String("class", w.className), zap.Error(err))
		}
	}
	return nil
}

// cleanUserAuthData runs unconditionally: null provider entries never reach
// the caller.
func (w *Write) cleanUserAuthData(ctx context.Context) error {
	if w.className != "_User" || w.response == nil || w.response.Response == nil {
		return nil
	}

	if authData, ok := w.response.Response["authData"].(map[string]any); ok {
		for provider, payload := range authData {
			if payload == nil {
				delete(authData, provider)
			}
		}
		if len(authData) == 0 {
			delete(w.response.Response, "authData")
		}
	}
	return nil
}

// inflatedObjects builds the updated/original object views handed to hooks
// and the live-query layer.
func (w *Write) inflatedObjects() (updated, original storage.Object) {
	extraData := storage.Object{"className": w.className}
	if w.query != nil {
		extraData["objectId"] = w.query["objectId"]
	}

	if w.query != nil && w.originalData != nil {
		original = triggers.Inflate(extraData, w.originalData)
		merged := deepCopy(w.originalData)
		for field, value := range w.data {
			if value == nil {
				delete(merged, field)
				continue
			}
			merged[field] = value
		}
		updated = triggers.Inflate(extraData, merged)
		return updated, original
	}

	return triggers.Inflate(extraData, w.data), nil
}

func (w *Write) location(objectID string) string {
	if w.className == "_User" {
		return w.s.cfg.Mount + "/users/" + objectID
	}
	return w.s.cfg.Mount + "/classes/" + w.className + "/" + objectID
}

func copyQuery(query storage.Query) storage.Query {
	if query == nil {
		return nil
	}
	return deepCopy(query)
}

func deepCopy(obj storage.Object) storage.Object {
	if obj == nil {
		return storage.Object{}
	}
	out := make(storage.Object, len(obj))
	for k, v := range obj {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}
