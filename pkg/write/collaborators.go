package write

import (
	"context"

	"github.com/omnibase/omnibase/pkg/storage"
)

// FilesController inflates file pointers inside a response body. Consumed as
// an opaque collaborator; the default does nothing.
type FilesController interface {
	ExpandFilesInObject(ctx context.Context, object storage.Object) error
}

// UserController owns email-verification bookkeeping. SetEmailVerifyToken
// mutates the pending user data in place; SendVerificationEmail delivers the
// email and is never awaited by the pipeline.
type UserController interface {
	SetEmailVerifyToken(data storage.Object)
	SendVerificationEmail(ctx context.Context, data storage.Object)
}

// LiveQueryController is notified after successful saves so subscribers can
// be updated.
type LiveQueryController interface {
	HasLiveQuery(className string) bool
	OnAfterSave(ctx context.Context, className string, updated, original storage.Object, classLevelPermissions map[string]any)
}

type noopFilesController struct{}

func (noopFilesController) ExpandFilesInObject(ctx context.Context, object storage.Object) error {
	return nil
}

type noopUserController struct{}

func (noopUserController) SetEmailVerifyToken(data storage.Object)                        {}
func (noopUserController) SendVerificationEmail(ctx context.Context, data storage.Object) {}

type noopLiveQueryController struct{}

func (noopLiveQueryController) HasLiveQuery(className string) bool { return false }
func (noopLiveQueryController) OnAfterSave(ctx context.Context, className string, updated, original storage.Object, classLevelPermissions map[string]any) {
}
