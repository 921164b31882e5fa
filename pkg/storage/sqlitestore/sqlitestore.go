// Package sqlitestore provides a SQLite-backed Datastore storing each object
// as a JSON document. Unique constraints are kept in a side table so a
// violated constraint can name the offending field.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/omnibase/omnibase/pkg/logger"
	"github.com/omnibase/omnibase/pkg/storage"
)

var tracer = otel.Tracer("omnibase/storage/sqlitestore")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlitestore."+name)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS objects (
	class     TEXT NOT NULL,
	object_id TEXT NOT NULL,
	document  TEXT NOT NULL,
	PRIMARY KEY (class, object_id)
);
CREATE TABLE IF NOT EXISTS unique_values (
	class     TEXT NOT NULL,
	field     TEXT NOT NULL,
	value     TEXT NOT NULL,
	object_id TEXT NOT NULL,
	PRIMARY KEY (class, field, value)
);
CREATE TABLE IF NOT EXISTS class_permissions (
	class       TEXT PRIMARY KEY,
	permissions TEXT
);
`

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	stbl         sq.StatementBuilderType
	db           *sql.DB
	logger       logger.Logger
	uniqueFields map[string][]string
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN adds the journal mode, busy timeout and transaction lock
// pragmas this adapter relies on, unless the caller already set them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New opens (creating if needed) a SQLite datastore at the given DSN.
func New(uri string, log logger.Logger) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Datastore{
		stbl:   sq.StatementBuilder.RunWith(db),
		db:     db,
		logger: log,
		uniqueFields: map[string][]string{
			"_User": {"username", "email"},
		},
	}, nil
}

// SetUniqueFields installs a unique constraint set for a class.
func (d *Datastore) SetUniqueFields(className string, fields []string) {
	d.uniqueFields[className] = fields
}

func (d *Datastore) Close() {
	d.db.Close()
}

func (d *Datastore) Find(ctx context.Context, className string, query storage.Query, opts storage.QueryOptions) ([]storage.Object, error) {
	ctx, span := startTrace(ctx, "Find")
	defer span.End()

	rows, err := d.load(ctx, className, query)
	if err != nil {
		return nil, err
	}

	var results []storage.Object
	for _, obj := range rows {
		if !storage.Matches(obj, query) || !storage.ReadableBy(obj, opts.ACL) {
			continue
		}
		results = append(results, obj)
		if opts.Limit > 0 && len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

func (d *Datastore) Create(ctx context.Context, className string, data storage.Object, opts storage.QueryOptions) (storage.Object, error) {
	ctx, span := startTrace(ctx, "Create")
	defer span.End()

	objectID, _ := data["objectId"].(string)
	doc, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := d.claimUniqueValues(ctx, tx, className, objectID, doc); err != nil {
		return nil, err
	}

	_, err = d.stbl.Insert("objects").
		Columns("class", "object_id", "document").
		Values(className, objectID, string(doc)).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, handleSQLError(err)
	}

	var out storage.Object
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Datastore) Update(ctx context.Context, className string, query storage.Query, data storage.Object, opts storage.QueryOptions) (storage.Object, error) {
	ctx, span := startTrace(ctx, "Update")
	defer span.End()

	rows, err := d.load(ctx, className, query)
	if err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var updated storage.Object
	for _, obj := range rows {
		if !storage.Matches(obj, query) || !storage.WritableBy(obj, opts.ACL) {
			continue
		}
		objectID, _ := obj["objectId"].(string)

		for key, value := range data {
			if value == nil {
				delete(obj, key)
				continue
			}
			obj[key] = value
		}

		doc, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		if err := d.releaseUniqueValues(ctx, tx, className, objectID); err != nil {
			return nil, err
		}
		if err := d.claimUniqueValues(ctx, tx, className, objectID, doc); err != nil {
			return nil, err
		}

		_, err = d.stbl.Update("objects").
			Set("document", string(doc)).
			Where(sq.Eq{"class": className, "object_id": objectID}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return nil, handleSQLError(err)
		}

		updated = obj
		if !opts.Many {
			break
		}
	}
	if updated == nil {
		return nil, storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, handleSQLError(err)
	}
	return updated, nil
}

func (d *Datastore) Destroy(ctx context.Context, className string, query storage.Query, opts storage.QueryOptions) error {
	ctx, span := startTrace(ctx, "Destroy")
	defer span.End()

	rows, err := d.load(ctx, className, query)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, obj := range rows {
		if !storage.Matches(obj, query) || !storage.WritableBy(obj, opts.ACL) {
			continue
		}
		objectID, _ := obj["objectId"].(string)
		if err := d.releaseUniqueValues(ctx, tx, className, objectID); err != nil {
			return err
		}
		_, err := d.stbl.Delete("objects").
			Where(sq.Eq{"class": className, "object_id": objectID}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return handleSQLError(err)
		}
		removed++
	}
	if removed == 0 {
		return storage.ErrNotFound
	}

	return tx.Commit()
}

func (d *Datastore) ValidateObject(ctx context.Context, className string, data storage.Object, query storage.Query, opts storage.QueryOptions) (storage.Schema, error) {
	ctx, span := startTrace(ctx, "ValidateObject")
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
	ctx, span := startTrace(ctx, "LoadSchema")
	defer span.End()

	classes := make(map[string]map[string]any)

	rows, err := d.stbl.Select("class", "permissions").From("class_permissions").QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var perms sql.NullString
		if err := rows.Scan(&class, &perms); err != nil {
			return nil, err
		}
		var clp map[string]any
		if perms.Valid && perms.String != "" {
			if err := json.Unmarshal([]byte(perms.String), &clp); err != nil {
				return nil, err
			}
		}
		classes[class] = clp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	classRows, err := d.stbl.Select("DISTINCT class").From("objects").QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer classRows.Close()
	for classRows.Next() {
		var class string
		if err := classRows.Scan(&class); err != nil {
			return nil, err
		}
		if _, ok := classes[class]; !ok {
			classes[class] = nil
		}
	}
	if err := classRows.Err(); err != nil {
		return nil, err
	}

	return &schema{classes: classes}, nil
}

// load fetches candidate rows for a query, narrowing on object_id in SQL when
// the query pins it, and falling back to a class scan otherwise.
func (d *Datastore) load(ctx context.Context, className string, query storage.Query) ([]storage.Object, error) {
	sb := d.stbl.Select("document").From("objects").Where(sq.Eq{"class": className})
	if objectID, ok := query["objectId"].(string); ok {
		sb = sb.Where(sq.Eq{"object_id": objectID})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	var out []storage.Object
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var obj storage.Object
		if err := json.Unmarshal([]byte(doc), &obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (d *Datastore) claimUniqueValues(ctx context.Context, tx *sql.Tx, className, objectID string, doc []byte) error {
	for _, field := range d.uniqueFields[className] {
		result := gjson.GetBytes(doc, field)
		if !result.Exists() || result.Type == gjson.Null {
			continue
		}
		_, err := d.stbl.Insert("unique_values").
			Columns("class", "field", "value", "object_id").
			Values(className, field, result.String(), objectID).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			if isConstraintError(err) {
				return &storage.UniqueValueError{ClassName: className, Fields: []string{field}}
			}
			return handleSQLError(err)
		}
	}
	return nil
}

func (d *Datastore) releaseUniqueValues(ctx context.Context, tx *sql.Tx, className, objectID string) error {
	_, err := d.stbl.Delete("unique_values").
		Where(sq.Eq{"class": className, "object_id": objectID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT
}

func handleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}
	return err
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
