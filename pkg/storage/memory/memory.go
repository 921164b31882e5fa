// Package memory provides an ephemeral, memory-backed Datastore. It is the
// adapter used by the test suites.
package memory

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/omnibase/omnibase/pkg/storage"
)

var tracer = otel.Tracer("omnibase/storage/memory")

// Datastore is an in-memory document store. Instances may be safely shared by
// multiple goroutines.
type Datastore struct {
	mu sync.Mutex

	// map: class name => list of objects
	objects map[string][]storage.Object /* GUARDED_BY(mu) */

	// map: class name => class-level permissions
	classLevelPermissions map[string]map[string]any /* GUARDED_BY(mu) */

	// map: class name => unique fields enforced on create/update
	uniqueFields map[string][]string
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates an empty Datastore. The built-in user uniqueness constraints
// (username, email) are installed up front, the way a deployed engine would
// carry unique indexes.
func New() *Datastore {
	return &Datastore{
		objects:               make(map[string][]storage.Object),
		classLevelPermissions: make(map[string]map[string]any),
		uniqueFields: map[string][]string{
			"_User": {"username", "email"},
		},
	}
}

// SetUniqueFields installs a unique constraint set for a class.
func (d *Datastore) SetUniqueFields(className string, fields []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uniqueFields[className] = fields
}

// SetClassLevelPermissions stores the CLP document for a class.
func (d *Datastore) SetClassLevelPermissions(className string, clp map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classLevelPermissions[className] = clp
}

func (d *Datastore) Close() {}

func (d *Datastore) Find(ctx context.Context, className string, query storage.Query, opts storage.QueryOptions) ([]storage.Object, error) {
	_, span := tracer.Start(ctx, "memory.Find")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var results []storage.Object
	for _, obj := range d.objects[className] {
		if !storage.Matches(obj, query) {
			continue
		}
		if !storage.ReadableBy(obj, opts.ACL) {
			continue
		}
		results = append(results, deepCopy(obj))
		if opts.Limit > 0 && len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

func (d *Datastore) Create(ctx context.Context, className string, data storage.Object, opts storage.QueryOptions) (storage.Object, error) {
	_, span := tracer.Start(ctx, "memory.Create")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkUnique(className, data, ""); err != nil {
		return nil, err
	}

	row := deepCopy(data)
	d.objects[className] = append(d.objects[className], row)
	if _, ok := d.classLevelPermissions[className]; !ok {
		d.classLevelPermissions[className] = nil
	}
	return deepCopy(row), nil
}

func (d *Datastore) Update(ctx context.Context, className string, query storage.Query, data storage.Object, opts storage.QueryOptions) (storage.Object, error) {
	_, span := tracer.Start(ctx, "memory.Update")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	var updated storage.Object
	for _, obj := range d.objects[className] {
		if !storage.Matches(obj, query) || !storage.WritableBy(obj, opts.ACL) {
			continue
		}
		objectID, _ := obj["objectId"].(string)
		if err := d.checkUnique(className, data, objectID); err != nil {
			return nil, err
		}
		applyUpdate(obj, data)
		updated = deepCopy(obj)
		if !opts.Many {
			break
		}
	}
	if updated == nil {
		return nil, storage.ErrNotFound
	}
	return updated, nil
}

func (d *Datastore) Destroy(ctx context.Context, className string, query storage.Query, opts storage.QueryOptions) error {
	_, span := tracer.Start(ctx, "memory.Destroy")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	var kept []storage.Object
	removed := 0
	for _, obj := range d.objects[className] {
		if storage.Matches(obj, query) && storage.WritableBy(obj, opts.ACL) {
			removed++
			continue
		}
		kept = append(kept, obj)
	}
	d.objects[className] = kept
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (d *Datastore) ValidateObject(ctx context.Context, className string, data storage.Object, query storage.Query, opts storage.QueryOptions) (storage.Schema, error) {
	_, span := tracer.Start(ctx, "memory.ValidateObject")
	defer span.End()

	if className == "" {
		return nil, storage.ErrInvalidSchema
	}
	if rawACL, ok := data["ACL"]; ok && rawACL != nil {
		if _, ok := rawACL.(map[string]any); !ok {
			return nil, storage.ErrInvalidSchema
		}
	}
	return d.LoadSchema(ctx)
}

func (d *Datastore) LoadSchema(ctx context.Context) (storage.Schema, error) {
	_, span := tracer.Start(ctx, "memory.LoadSchema")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	classes := make(map[string]map[string]any, len(d.classLevelPermissions))
	for class, clp := range d.classLevelPermissions {
		classes[class] = clp
	}
	for class := range d.objects {
		if _, ok := classes[class]; !ok {
			classes[class] = nil
		}
	}
	return &schema{classes: classes}, nil
}

// checkUnique must be called with d.mu held. excludeID skips the row being
// updated.
func (d *Datastore) checkUnique(className string, data storage.Object, excludeID string) error {
	fields := d.uniqueFields[className]
	for _, field := range fields {
		value, ok := data[field]
		if !ok || value == nil {
			continue
		}
		for _, obj := range d.objects[className] {
			if excludeID != "" && obj["objectId"] == excludeID {
				continue
			}
			if existing, ok := obj[field]; ok && existing == value {
				return &storage.UniqueValueError{ClassName: className, Fields: []string{field}}
			}
		}
	}
	return nil
}

func applyUpdate(obj, data storage.Object) {
	for key, value := range data {
		if value == nil {
			delete(obj, key)
			continue
		}
		obj[key] = deepCopyValue(value)
	}
}

func deepCopy(obj storage.Object) storage.Object {
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

type schema struct {
	classes map[string]map[string]any
}

var _ storage.Schema = (*schema)(nil)

func (s *schema) ClassExists(className string) bool {
	_, ok := s.classes[className]
	return ok
}

func (s *schema) GetClassLevelPermissions(className string) map[string]any {
	return s.classes[className]
}
