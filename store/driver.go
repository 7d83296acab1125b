package store

import (
	"context"
	"fmt"
)

// Document is a single stored document.
type Document map[string]any

// Filter selects documents using the backend's query language.
// An empty or nil filter matches every document.
type Filter map[string]any

// SortField orders results by one field.
type SortField struct {
	Field      string
	Descending bool
}

// Sort is an ordered list of sort keys. Nil means store order.
type Sort []SortField

// Asc returns an ascending sort key.
func Asc(field string) SortField { return SortField{Field: field} }

// Desc returns a descending sort key.
func Desc(field string) SortField { return SortField{Field: field, Descending: true} }

// FindOptions bounds a find. Zero values mean "store default".
type FindOptions struct {
	Sort  Sort
	Skip  int64
	Limit int64
}

// WriteKind selects the semantics of a bulk write request.
type WriteKind int

const (
	// ReplaceOrInsert replaces the matching document or inserts the document.
	ReplaceOrInsert WriteKind = iota

	// InsertIfAbsent inserts the document only when nothing matches.
	// A matching document is left untouched.
	InsertIfAbsent
)

func (k WriteKind) String() string {
	switch k {
	case ReplaceOrInsert:
		return "upsert"
	case InsertIfAbsent:
		return "insert"
	default:
		return fmt.Sprintf("WriteKind(%d)", int(k))
	}
}

// WriteModel is one request of a bulk write.
type WriteModel struct {
	Kind     WriteKind
	Filter   Filter
	Document Document
}

// IndexModel describes an ascending single-field index.
type IndexModel struct {
	Name       string
	Field      string
	Unique     bool
	Background bool
}

// ValidationLevel controls when a table validator is enforced.
type ValidationLevel string

const (
	ValidationOff      ValidationLevel = "off"
	ValidationModerate ValidationLevel = "moderate"
	ValidationStrict   ValidationLevel = "strict"
)

// CollectionInfo describes a table as reported by the store's catalog.
type CollectionInfo struct {
	Exists bool

	// Validator is the installed $jsonSchema document, nil when none.
	Validator Document

	Level ValidationLevel
}

// CollectionMod changes a table's validation settings.
// A nil Validator leaves the installed validator unchanged.
type CollectionMod struct {
	Validator Document
	Level     ValidationLevel
}

// UpdateResult summarizes a single replace.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// BulkResult summarizes a bulk write.
type BulkResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64

	// UpsertedIDs maps request index to the identity of the inserted document.
	UpsertedIDs map[int64]any
}

// Connector opens a client for a connection config.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectionConfig) (Client, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, cfg ConnectionConfig) (Client, error)

// Connect calls f(ctx, cfg).
func (f ConnectorFunc) Connect(ctx context.Context, cfg ConnectionConfig) (Client, error) {
	return f(ctx, cfg)
}

// Drivers dispatches to a connector by ConnectionConfig.Driver.
type Drivers map[string]Connector

// Connect opens a client with the connector registered for cfg.Driver.
func (d Drivers) Connect(ctx context.Context, cfg ConnectionConfig) (Client, error) {
	c, ok := d[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	return c.Connect(ctx, cfg)
}

// Client is an open connection to a store. It must be safe for concurrent use.
type Client interface {
	Database(name string) Database
	Disconnect(ctx context.Context) error
}

// Database is a handle to one database of a store.
type Database interface {
	Name() string
	Collection(name string) Collection
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
	CollectionInfo(ctx context.Context, name string) (CollectionInfo, error)
	ModifyCollection(ctx context.Context, name string, mod CollectionMod) error
}

// Collection is a handle to one table. Store-level write rejections are
// reported as *WriteError (single writes) or *BulkWriteError (bulk writes).
type Collection interface {
	Name() string
	CountDocuments(ctx context.Context, filter Filter) (int64, error)

	// FindOne returns ErrNotFound when nothing matches.
	FindOne(ctx context.Context, filter Filter) (Document, error)
	Find(ctx context.Context, filter Filter, opts FindOptions) (Cursor, error)
	ReplaceOne(ctx context.Context, filter Filter, doc Document, upsert bool) (UpdateResult, error)
	DeleteOne(ctx context.Context, filter Filter) (int64, error)

	// BulkWrite applies models in order, stopping at the first rejection.
	BulkWrite(ctx context.Context, models []WriteModel) (BulkResult, error)
	IndexNames(ctx context.Context) ([]string, error)
	CreateIndex(ctx context.Context, model IndexModel) (string, error)
	DropIndex(ctx context.Context, name string) error
	Drop(ctx context.Context) error
}

// Cursor iterates over find results. Callers must Close it.
type Cursor interface {
	Next(ctx context.Context) bool
	Document() (Document, error)
	Err() error
	Close(ctx context.Context) error
}
