// Package storage contains the datastore interfaces consumed by the write
// pipeline, plus helpers shared by the concrete adapters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Object is a stored document. Values are restricted to JSON types: string,
// float64, bool, nil, map[string]any and []any. Timestamps are RFC 3339
// strings in UTC.
type Object = map[string]any

// Query is a document filter. A bare value means equality (array containment
// when the stored value is an array). A map value may carry the operators
// $eq, $ne, $in, $exists, $regex (with $options "i"). The top-level key $or
// holds a list of alternative queries. Keys may use dotted paths.
type Query = map[string]any

// QueryOptions carry the caller's effective permissions into an adapter call.
type QueryOptions struct {
	// ACL lists the subjects the caller acts as ("*", a user id, role:name).
	// A nil ACL means the master key: no per-object filtering at all.
	ACL []string

	// Limit caps the number of rows returned by Find. Zero means no cap.
	Limit int

	// Many makes Update apply to every matched row instead of just one.
	Many bool
}

// Schema is a handle on the class metadata loaded by an adapter. Handles are
// cheap and may be retained for the duration of one request.
type Schema interface {
	// ClassExists reports whether the class has been created.
	ClassExists(className string) bool

	// GetClassLevelPermissions returns the class-level permission document
	// for the class, or nil if none is stored.
	GetClassLevelPermissions(className string) map[string]any
}

// Datastore is the narrow adapter through which all persistence happens. The
// underlying engine is an arbitrary document store; consistency is whatever
// the engine provides.
type Datastore interface {
	// Find returns the objects of the class matching query, filtered down to
	// those readable under opts.ACL.
	Find(ctx context.Context, className string, query Query, opts QueryOptions) ([]Object, error)

	// Create persists a new object and returns the stored row. A violated
	// unique constraint surfaces as a *UniqueValueError.
	Create(ctx context.Context, className string, data Object, opts QueryOptions) (Object, error)

	// Update merges data into the first object matching query (all of them
	// with opts.Many) that is writable under opts.ACL and returns the updated
	// row. A nil field value deletes the field. ErrNotFound is returned when
	// nothing matched.
	Update(ctx context.Context, className string, query Query, data Object, opts QueryOptions) (Object, error)

	// Destroy removes every object matching query that is writable under
	// opts.ACL. ErrNotFound is returned when nothing matched.
	Destroy(ctx context.Context, className string, query Query, opts QueryOptions) error

	// ValidateObject checks data against the class schema without persisting
	// anything and returns a schema handle for reuse within the request.
	ValidateObject(ctx context.Context, className string, data Object, query Query, opts QueryOptions) (Schema, error)

	// LoadSchema returns a fresh schema handle.
	LoadSchema(ctx context.Context) (Schema, error)

	// Close cleans up any residual resources used by the adapter.
	Close()
}

// since these errors are allocated at init time, it is better to leave them as
// normal errors instead of errors that have stack encoded.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidSchema = errors.New("invalid schema")
	ErrCancelled     = errors.New("request has been cancelled")
)

// UniqueValueError reports a violated unique constraint.
type UniqueValueError struct {
	ClassName string
	Fields    []string
}

func (e *UniqueValueError) Error() string {
	return fmt.Sprintf("unique constraint violated on %s (%s)", e.ClassName, strings.Join(e.Fields, ", "))
}

// SystemClasses are the built-in classes that exist in every application.
var SystemClasses = []string{"_User", "_Installation", "_Role", "_Session", "_Product", "_Audience"}

// IsSystemClass reports whether className is one of the built-in classes.
func IsSystemClass(className string) bool {
	for _, c := range SystemClasses {
		if c == className {
			return true
		}
	}
	return false
}

// Pointer builds the wire representation of a pointer to another object.
func Pointer(className, objectID string) Object {
	return Object{
		"__type":    "Pointer",
		"className": className,
		"objectId":  objectID,
	}
}

// PointerID extracts the objectId from a pointer value, accepting both the
// full form and a bare id string.
func PointerID(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["objectId"].(string); ok {
			return id
		}
	}
	return ""
}
