// Package triggers dispatches the lifecycle hooks registered against classes.
// Hooks are keyed by (class, kind) and run in registration order.
package triggers

import (
	"context"
	"sync"

	"github.com/omnibase/omnibase/pkg/storage"
)

// Kind enumerates the hook points the write pipeline exposes.
type Kind int

const (
	BeforeSave Kind = iota
	AfterSave
	BeforeLogin
)

func (k Kind) String() string {
	switch k {
	case BeforeSave:
		return "beforeSave"
	case AfterSave:
		return "afterSave"
	case BeforeLogin:
		return "beforeLogin"
	default:
		return "unknown"
	}
}

// Request is the view of a write handed to a hook.
type Request struct {
	Kind      Kind
	ClassName string

	// Object is the inflated would-be object; Original is the pre-write
	// snapshot (nil on create).
	Object   storage.Object
	Original storage.Object

	// Caller identity, flattened so hooks need no dependency on the
	// identity package.
	Master         bool
	User           storage.Object
	InstallationID string

	// Context is the opaque map the caller attached to the write.
	Context map[string]any
}

// Handler processes one trigger invocation. A BeforeSave handler may return a
// replacement object; other kinds ignore the returned object.
type Handler func(ctx context.Context, req *Request) (storage.Object, error)

type key struct {
	className string
	kind      Kind
}

// Registry holds the registered hooks. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key][]Handler)}
}

func (r *Registry) Register(className string, kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{className, kind}
	r.handlers[k] = append(r.handlers[k], h)
}

// Exists reports whether any hook is registered for (className, kind).
func (r *Registry) Exists(className string, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[key{className, kind}]) > 0
}

// Run invokes the registered hooks in order. For BeforeSave, the last
// non-nil object returned by a hook is returned to the caller; a nil result
// means no hook replaced the object. The first error aborts the chain.
func (r *Registry) Run(ctx context.Context, req *Request) (storage.Object, error) {
	r.mu.RLock()
	chain := r.handlers[key{req.ClassName, req.Kind}]
	r.mu.RUnlock()

	var replacement storage.Object
	for _, h := range chain {
		obj, err := h(ctx, req)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			replacement = obj
			if req.Kind == BeforeSave {
				req.Object = obj
			}
		}
	}
	return replacement, nil
}

// Inflate builds the object view handed to hooks: extraData (className,
// objectId and friends) layered under the flattened field data.
func Inflate(extraData, flatData storage.Object) storage.Object {
	out := make(storage.Object, len(extraData)+len(flatData))
	for k, v := range extraData {
		out[k] = v
	}
	for k, v := range flatData {
		out[k] = v
	}
	return out
}
