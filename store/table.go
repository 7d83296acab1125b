package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jacentio/doctable/internal/naming"
)

// Table is a view of one table bound to one database handle.
// It holds no state beyond that binding; creating and discarding
// a Table has no effect on the underlying table.
type Table struct {
	db       Database
	name     string
	logger   *slog.Logger
	observer Observer

	mu   sync.RWMutex
	coll Collection // nil after Drop
}

// NewTable creates a Table resolving its database through the registry
// by cfg.Connection.
func NewTable(reg *Registry, cfg TableConfig) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	db, err := reg.Database(cfg.Connection)
	if err != nil {
		return nil, err
	}
	return newTable(db, cfg), nil
}

// NewTableFromDatabase creates a Table on an explicit database handle.
// cfg.Connection is ignored.
func NewTableFromDatabase(db Database, cfg TableConfig) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newTable(db, cfg), nil
}

func newTable(db Database, cfg TableConfig) *Table {
	return &Table{
		db:       db,
		name:     cfg.Table,
		logger:   cfg.Logger.With("table", cfg.Table),
		observer: cfg.Observer,
		coll:     db.Collection(cfg.Table),
	}
}

// Name returns the bound table name.
func (t *Table) Name() string {
	return t.name
}

// Raw returns the underlying collection for operations this type does not cover.
// Returns nil after Drop.
func (t *Table) Raw() Collection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.coll
}

// collection returns the bound collection or ErrTableDropped.
func (t *Table) collection() (Collection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.coll == nil {
		return nil, fmt.Errorf("%w: %q", ErrTableDropped, t.name)
	}
	return t.coll, nil
}

// Exists reports whether the store's catalog has a table with the bound name.
func (t *Table) Exists(ctx context.Context) (bool, error) {
	return t.db.HasCollection(ctx, t.name)
}

// Create explicitly creates the table and binds it again if it was dropped.
// A table that already exists, for example one recreated through another
// accessor, is bound as is. Most stores also create a table implicitly on
// the first write.
func (t *Table) Create(ctx context.Context) (Collection, error) {
	if err := t.db.CreateCollection(ctx, t.name); err != nil && !errors.Is(err, ErrTableExists) {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.coll == nil {
		t.coll = t.db.Collection(t.name)
	}
	return t.coll, nil
}

// Drop destroys the table and its data. Data operations on this Table
// return ErrTableDropped until Create is called.
func (t *Table) Drop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.coll == nil {
		return nil
	}
	if err := t.coll.Drop(ctx); err != nil {
		return err
	}
	t.coll = nil
	return nil
}

// Count returns the number of documents matching filter. A nil filter counts all.
func (t *Table) Count(ctx context.Context, filter Filter) (int64, error) {
	coll, err := t.collection()
	if err != nil {
		return 0, err
	}
	if filter == nil {
		filter = Filter{}
	}
	return coll.CountDocuments(ctx, filter)
}

// FindOne returns one document matching filter, ErrNotFound when none does.
// Which document is returned when several match is up to the store.
func (t *Table) FindOne(ctx context.Context, filter Filter) (Document, error) {
	coll, err := t.collection()
	if err != nil {
		return nil, err
	}
	return coll.FindOne(ctx, filter)
}

// UpsertResult is the outcome of UpsertOne.
// A store-level rejection of the write is reported in Rejected, not as an error.
type UpsertResult struct {
	UpdateResult
	Rejected *WriteError
}

// OK reports whether the write was applied.
func (r UpsertResult) OK() bool {
	return r.Rejected == nil
}

// Message returns the store's rejection message, empty when the write was applied.
func (r UpsertResult) Message() string {
	if r.Rejected == nil {
		return ""
	}
	return r.Rejected.Message
}

// UpsertOne replaces the document whose uniqueField equals entry's value,
// or inserts entry when there is none. uniqueField defaults to "_id".
//
// Rejections such as validation failures are returned in the result;
// the error is reserved for misuse and transport failures.
func (t *Table) UpsertOne(ctx context.Context, entry Document, uniqueField string) (UpsertResult, error) {
	coll, err := t.collection()
	if err != nil {
		return UpsertResult{}, err
	}

	filter, err := uniqueFilter(entry, uniqueField)
	if err != nil {
		return UpsertResult{}, err
	}

	res, err := coll.ReplaceOne(ctx, filter, entry, true)
	if err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			return UpsertResult{Rejected: we}, nil
		}
		return UpsertResult{}, err
	}
	return UpsertResult{UpdateResult: res}, nil
}

// DeleteOne deletes one document matching filter and returns the number deleted.
func (t *Table) DeleteOne(ctx context.Context, filter Filter) (int64, error) {
	coll, err := t.collection()
	if err != nil {
		return 0, err
	}
	return coll.DeleteOne(ctx, filter)
}

// IndexNames returns the names of the table's indexes.
func (t *Table) IndexNames(ctx context.Context) ([]string, error) {
	coll, err := t.collection()
	if err != nil {
		return nil, err
	}
	return coll.IndexNames(ctx)
}

// CreateIndexes creates an ascending background index on each field.
// Fields whose index (named "<field>_1") already exists are skipped.
func (t *Table) CreateIndexes(ctx context.Context, fields []string, unique bool) error {
	coll, err := t.collection()
	if err != nil {
		return err
	}

	existing, err := indexSet(ctx, coll)
	if err != nil {
		return err
	}

	for _, field := range fields {
		name := naming.IndexName(field)
		if existing[name] {
			continue
		}
		if _, err := coll.CreateIndex(ctx, IndexModel{
			Name:       name,
			Field:      field,
			Unique:     unique,
			Background: true,
		}); err != nil {
			return fmt.Errorf("create index %q: %w", name, err)
		}
		existing[name] = true
	}
	return nil
}

// DropIndexes drops the "<field>_1" index of each field. Missing indexes are skipped.
func (t *Table) DropIndexes(ctx context.Context, fields []string) error {
	coll, err := t.collection()
	if err != nil {
		return err
	}

	existing, err := indexSet(ctx, coll)
	if err != nil {
		return err
	}

	for _, field := range fields {
		name := naming.IndexName(field)
		if !existing[name] {
			continue
		}
		if err := coll.DropIndex(ctx, name); err != nil {
			return fmt.Errorf("drop index %q: %w", name, err)
		}
		delete(existing, name)
	}
	return nil
}

func indexSet(ctx context.Context, coll Collection) (map[string]bool, error) {
	names, err := coll.IndexNames(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// JSONSchemaValidator builds a validator requiring an object with the given
// required fields and per-field schemas.
func JSONSchemaValidator(required []string, properties map[string]Document) Document {
	props := make(Document, len(properties))
	for field, schema := range properties {
		props[field] = schema
	}
	if required == nil {
		required = []string{}
	}
	return Document{
		"$jsonSchema": Document{
			"bsonType":   "object",
			"required":   required,
			"properties": props,
		},
	}
}

// SetValidator installs a schema validator at moderate level: inserts and
// updates of valid documents are checked, existing invalid documents are not.
// Writes that violate it are rejected by the store.
func (t *Table) SetValidator(ctx context.Context, required []string, properties map[string]Document) error {
	return t.db.ModifyCollection(ctx, t.name, CollectionMod{
		Validator: JSONSchemaValidator(required, properties),
		Level:     ValidationModerate,
	})
}

// DisableValidator turns validation off when the table has a validator.
// It does nothing when the table does not exist or has no validator.
func (t *Table) DisableValidator(ctx context.Context) error {
	info, err := t.db.CollectionInfo(ctx, t.name)
	if err != nil {
		return err
	}
	if !info.Exists || info.Validator == nil {
		return nil
	}
	return t.db.ModifyCollection(ctx, t.name, CollectionMod{Level: ValidationOff})
}

// uniqueFilter builds the equality filter selecting entry by uniqueField.
func uniqueFilter(entry Document, uniqueField string) (Filter, error) {
	if uniqueField == "" {
		uniqueField = IdentityField
	}
	key, ok := entry[uniqueField]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrMissingUniqueField, uniqueField)
	}
	return Filter{uniqueField: key}, nil
}
