// Package memstore is an in-process document store implementing the store backend contract.
//
// It keeps every table in memory behind one lock and supports the subset of
// query and $jsonSchema features the store package relies on. It is meant for
// tests and for embedding, not for large data sets: every operation scans.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/doctable/internal/naming"
	"github.com/jacentio/doctable/store"
)

// Error codes reported in store.WriteError, matching the common document-store codes.
const (
	CodeImmutableField   = 66
	CodeFailedValidation = 121
	CodeDuplicateKey     = 11000
)

const primaryIndex = "_id_"

var (
	// ErrDisconnected is returned by handles of a client after Disconnect.
	ErrDisconnected = errors.New("memstore: client is disconnected")

	// ErrCollectionExists is returned by CreateCollection for an existing table.
	ErrCollectionExists = fmt.Errorf("memstore: %w", store.ErrTableExists)

	// ErrCollectionNotFound is returned when modifying a table that does not exist.
	ErrCollectionNotFound = errors.New("memstore: collection not found")

	// ErrIndexNotFound is returned when dropping an index that does not exist.
	ErrIndexNotFound = errors.New("memstore: index not found")
)

// Server holds the databases shared by every client connected to it.
// It is safe for concurrent use.
type Server struct {
	mu  sync.RWMutex
	dbs map[string]map[string]*collection
}

// New creates an empty Server.
func New() *Server {
	return &Server{dbs: make(map[string]map[string]*collection)}
}

// Connect implements store.Connector. Every client shares the server's data.
func (s *Server) Connect(ctx context.Context, cfg store.ConnectionConfig) (store.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Client{server: s}, nil
}

// collection is the stored state of one table.
type collection struct {
	docs      []map[string]any
	indexes   []store.IndexModel
	validator map[string]any
	level     store.ValidationLevel
}

func newCollection() *collection {
	return &collection{
		indexes: []store.IndexModel{{Name: primaryIndex, Field: store.IdentityField, Unique: true}},
		level:   store.ValidationStrict,
	}
}

// Client is a connection to a Server.
type Client struct {
	server *Server

	mu     sync.RWMutex
	closed bool
}

// Database implements store.Client.
func (c *Client) Database(name string) store.Database {
	return &Database{client: c, name: name}
}

// Disconnect implements store.Client. Handles obtained from the client stop working.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Disconnect was called.
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) check(ctx context.Context) error {
	if c.Closed() {
		return ErrDisconnected
	}
	return ctx.Err()
}

// Database is a handle to one database of a Server.
type Database struct {
	client *Client
	name   string
}

// Name implements store.Database.
func (d *Database) Name() string { return d.name }

// Client returns the client the handle belongs to.
func (d *Database) Client() *Client { return d.client }

// Collection implements store.Database. The table is created on first write.
func (d *Database) Collection(name string) store.Collection {
	return &Collection{db: d, name: name}
}

// get returns the table state, nil if absent. Caller holds the server lock.
func (d *Database) get(name string) *collection {
	return d.client.server.dbs[d.name][name]
}

// getOrCreate returns the table state, creating it. Caller holds the write lock.
func (d *Database) getOrCreate(name string) *collection {
	srv := d.client.server
	colls, ok := srv.dbs[d.name]
	if !ok {
		colls = make(map[string]*collection)
		srv.dbs[d.name] = colls
	}
	c, ok := colls[name]
	if !ok {
		c = newCollection()
		colls[name] = c
	}
	return c
}

// HasCollection implements store.Database.
func (d *Database) HasCollection(ctx context.Context, name string) (bool, error) {
	if err := d.client.check(ctx); err != nil {
		return false, err
	}
	srv := d.client.server
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return d.get(name) != nil, nil
}

// CreateCollection implements store.Database.
func (d *Database) CreateCollection(ctx context.Context, name string) error {
	if err := d.client.check(ctx); err != nil {
		return err
	}
	srv := d.client.server
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if d.get(name) != nil {
		return fmt.Errorf("%w: %s.%s", ErrCollectionExists, d.name, name)
	}
	d.getOrCreate(name)
	return nil
}

// CollectionInfo implements store.Database.
func (d *Database) CollectionInfo(ctx context.Context, name string) (store.CollectionInfo, error) {
	if err := d.client.check(ctx); err != nil {
		return store.CollectionInfo{}, err
	}
	srv := d.client.server
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	c := d.get(name)
	if c == nil {
		return store.CollectionInfo{}, nil
	}
	info := store.CollectionInfo{Exists: true, Level: c.level}
	if c.validator != nil {
		info.Validator = store.Document(copyDoc(c.validator))
	}
	return info, nil
}

// ModifyCollection implements store.Database.
func (d *Database) ModifyCollection(ctx context.Context, name string, mod store.CollectionMod) error {
	if err := d.client.check(ctx); err != nil {
		return err
	}
	srv := d.client.server
	srv.mu.Lock()
	defer srv.mu.Unlock()
	c := d.get(name)
	if c == nil {
		return fmt.Errorf("%w: %s.%s", ErrCollectionNotFound, d.name, name)
	}
	if mod.Validator != nil {
		c.validator = copyDoc(mod.Validator)
	}
	if mod.Level != "" {
		c.level = mod.Level
	}
	return nil
}

// Collection is a handle to one table.
type Collection struct {
	db   *Database
	name string
}

// Name implements store.Collection.
func (c *Collection) Name() string { return c.name }

func (c *Collection) server() *Server { return c.db.client.server }

// CountDocuments implements store.Collection.
func (c *Collection) CountDocuments(ctx context.Context, filter store.Filter) (int64, error) {
	if err := c.db.client.check(ctx); err != nil {
		return 0, err
	}
	srv := c.server()
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	st := c.db.get(c.name)
	if st == nil {
		return 0, nil
	}
	var n int64
	for _, doc := range st.docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// FindOne implements store.Collection.
func (c *Collection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	if err := c.db.client.check(ctx); err != nil {
		return nil, err
	}
	srv := c.server()
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	st := c.db.get(c.name)
	if st == nil {
		return nil, store.ErrNotFound
	}
	i, err := st.firstMatch(filter)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		return nil, store.ErrNotFound
	}
	return store.Document(copyDoc(st.docs[i])), nil
}

// Find implements store.Collection. Results are materialized when Find is called.
func (c *Collection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions) (store.Cursor, error) {
	if err := c.db.client.check(ctx); err != nil {
		return nil, err
	}
	srv := c.server()
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	st := c.db.get(c.name)
	if st == nil {
		return &cursor{pos: -1}, nil
	}

	var hits []map[string]any
	for _, doc := range st.docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			hits = append(hits, doc)
		}
	}

	if len(opts.Sort) > 0 {
		sort.SliceStable(hits, func(i, j int) bool {
			return lessBy(opts.Sort, hits[i], hits[j])
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(hits)) {
			hits = nil
		} else {
			hits = hits[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(hits)) {
		hits = hits[:opts.Limit]
	}

	docs := make([]store.Document, len(hits))
	for i, h := range hits {
		docs[i] = store.Document(copyDoc(h))
	}
	return &cursor{docs: docs, pos: -1}, nil
}

func lessBy(keys store.Sort, a, b map[string]any) bool {
	for _, k := range keys {
		va, _ := lookup(a, k.Field)
		vb, _ := lookup(b, k.Field)
		c := sortCompare(va, vb)
		if c == 0 {
			continue
		}
		if k.Descending {
			return c > 0
		}
		return c < 0
	}
	return false
}

// ReplaceOne implements store.Collection.
func (c *Collection) ReplaceOne(ctx context.Context, filter store.Filter, doc store.Document, upsert bool) (store.UpdateResult, error) {
	if err := c.db.client.check(ctx); err != nil {
		return store.UpdateResult{}, err
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()

	var st *collection
	if upsert {
		st = c.db.getOrCreate(c.name)
	} else if st = c.db.get(c.name); st == nil {
		return store.UpdateResult{}, nil
	}
	return st.apply(store.WriteModel{Kind: store.ReplaceOrInsert, Filter: filter, Document: doc}, upsert)
}

// DeleteOne implements store.Collection.
func (c *Collection) DeleteOne(ctx context.Context, filter store.Filter) (int64, error) {
	if err := c.db.client.check(ctx); err != nil {
		return 0, err
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()

	st := c.db.get(c.name)
	if st == nil {
		return 0, nil
	}
	i, err := st.firstMatch(filter)
	if err != nil || i < 0 {
		return 0, err
	}
	st.docs = slices.Delete(st.docs, i, i+1)
	return 1, nil
}

// BulkWrite implements store.Collection. Models are applied in order and the
// first rejection stops the batch, leaving earlier writes applied.
func (c *Collection) BulkWrite(ctx context.Context, models []store.WriteModel) (store.BulkResult, error) {
	if err := c.db.client.check(ctx); err != nil {
		return store.BulkResult{}, err
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()

	st := c.db.getOrCreate(c.name)
	res := store.BulkResult{UpsertedIDs: make(map[int64]any)}
	for i, m := range models {
		ur, err := st.apply(m, true)
		if err != nil {
			var we *store.WriteError
			if errors.As(err, &we) {
				failed := *we
				failed.Index = i
				return res, &store.BulkWriteError{WriteErrors: []store.WriteError{failed}, Result: res}
			}
			return res, err
		}
		res.MatchedCount += ur.MatchedCount
		res.ModifiedCount += ur.ModifiedCount
		res.UpsertedCount += ur.UpsertedCount
		if ur.UpsertedCount > 0 {
			res.UpsertedIDs[int64(i)] = ur.UpsertedID
		}
	}
	return res, nil
}

// IndexNames implements store.Collection.
func (c *Collection) IndexNames(ctx context.Context) ([]string, error) {
	if err := c.db.client.check(ctx); err != nil {
		return nil, err
	}
	srv := c.server()
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	st := c.db.get(c.name)
	if st == nil {
		return nil, nil
	}
	names := make([]string, len(st.indexes))
	for i, idx := range st.indexes {
		names[i] = idx.Name
	}
	return names, nil
}

// CreateIndex implements store.Collection. Creating an existing index is a no-op.
func (c *Collection) CreateIndex(ctx context.Context, model store.IndexModel) (string, error) {
	if err := c.db.client.check(ctx); err != nil {
		return "", err
	}
	if model.Name == "" {
		model.Name = naming.IndexName(model.Field)
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()

	st := c.db.getOrCreate(c.name)
	for _, idx := range st.indexes {
		if idx.Name == model.Name {
			return model.Name, nil
		}
	}
	if model.Unique {
		if err := st.checkUniqueIndex(model.Field); err != nil {
			return "", err
		}
	}
	st.indexes = append(st.indexes, model)
	return model.Name, nil
}

// DropIndex implements store.Collection.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if err := c.db.client.check(ctx); err != nil {
		return err
	}
	if name == primaryIndex {
		return fmt.Errorf("memstore: cannot drop index %s", primaryIndex)
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()

	st := c.db.get(c.name)
	if st != nil {
		for i, idx := range st.indexes {
			if idx.Name == name {
				st.indexes = slices.Delete(st.indexes, i, i+1)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
}

// Drop implements store.Collection. Dropping a missing table is a no-op.
func (c *Collection) Drop(ctx context.Context) error {
	if err := c.db.client.check(ctx); err != nil {
		return err
	}
	srv := c.server()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.dbs[c.db.name], c.name)
	return nil
}

// firstMatch returns the position of the first document matching filter, or -1.
func (st *collection) firstMatch(filter map[string]any) (int, error) {
	for i, doc := range st.docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// apply performs one write model against the table.
func (st *collection) apply(m store.WriteModel, upsert bool) (store.UpdateResult, error) {
	i, err := st.firstMatch(m.Filter)
	if err != nil {
		return store.UpdateResult{}, err
	}

	if i >= 0 {
		if m.Kind == store.InsertIfAbsent {
			return store.UpdateResult{MatchedCount: 1}, nil
		}
		return st.replaceAt(i, m.Document)
	}
	if !upsert {
		return store.UpdateResult{}, nil
	}
	return st.insert(m.Filter, m.Document)
}

func (st *collection) replaceAt(i int, doc store.Document) (store.UpdateResult, error) {
	current := st.docs[i]
	next := copyDoc(doc)

	id := current[store.IdentityField]
	if newID, ok := next[store.IdentityField]; ok && !equal(newID, id) {
		return store.UpdateResult{}, &store.WriteError{
			Code:    CodeImmutableField,
			Message: fmt.Sprintf("the (immutable) field '_id' was found to have been altered to _id: %v", newID),
		}
	}
	next[store.IdentityField] = id

	// Moderate validation skips updates to documents that are already invalid.
	if st.enforced() && (st.level != store.ValidationModerate || validate(st.validator, current) == nil) {
		if err := validate(st.validator, next); err != nil {
			return store.UpdateResult{}, validationError(err)
		}
	}
	if err := st.checkUnique(next, i); err != nil {
		return store.UpdateResult{}, err
	}

	res := store.UpdateResult{MatchedCount: 1}
	if !equal(current, next) {
		st.docs[i] = next
		res.ModifiedCount = 1
	}
	return res, nil
}

// insert adds doc, copying equality fields of filter it lacks, as an upsert does.
func (st *collection) insert(filter store.Filter, doc store.Document) (store.UpdateResult, error) {
	next := copyDoc(doc)
	for k, v := range filter {
		if _, ok := next[k]; ok {
			continue
		}
		if ops, ok := asMap(v); ok && isOperatorDoc(ops) {
			continue
		}
		if !strings.HasPrefix(k, "$") {
			next[k] = deepCopy(v)
		}
	}
	if _, ok := next[store.IdentityField]; !ok {
		next[store.IdentityField] = uuid.NewString()
	}

	if st.enforced() {
		if err := validate(st.validator, next); err != nil {
			return store.UpdateResult{}, validationError(err)
		}
	}
	if err := st.checkUnique(next, -1); err != nil {
		return store.UpdateResult{}, err
	}

	st.docs = append(st.docs, next)
	return store.UpdateResult{UpsertedCount: 1, UpsertedID: next[store.IdentityField]}, nil
}

func (st *collection) enforced() bool {
	return st.validator != nil && st.level != store.ValidationOff
}

// checkUnique rejects doc when it collides with another document on a unique index.
// skip is the position of the document being replaced, -1 for inserts.
func (st *collection) checkUnique(doc map[string]any, skip int) error {
	for _, idx := range st.indexes {
		if !idx.Unique {
			continue
		}
		v, _ := lookup(doc, idx.Field)
		for j, other := range st.docs {
			if j == skip {
				continue
			}
			ov, _ := lookup(other, idx.Field)
			if equal(v, ov) {
				return &store.WriteError{
					Code:    CodeDuplicateKey,
					Message: fmt.Sprintf("E11000 duplicate key error index: %s dup key: { %s: %v }", idx.Name, idx.Field, v),
				}
			}
		}
	}
	return nil
}

func (st *collection) checkUniqueIndex(field string) error {
	seen := make([]any, 0, len(st.docs))
	for _, doc := range st.docs {
		v, _ := lookup(doc, field)
		for _, s := range seen {
			if equal(v, s) {
				return fmt.Errorf("memstore: cannot create unique index on %q: duplicate value %v", field, v)
			}
		}
		seen = append(seen, v)
	}
	return nil
}

func validationError(err error) *store.WriteError {
	return &store.WriteError{
		Code:    CodeFailedValidation,
		Message: "Document failed validation: " + err.Error(),
	}
}

// cursor iterates over materialized results.
type cursor struct {
	docs []store.Document
	pos  int
	err  error
}

func (c *cursor) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Document() (store.Document, error) {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil, errors.New("memstore: cursor is not positioned on a document")
	}
	return c.docs[c.pos], nil
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(ctx context.Context) error {
	c.docs = nil
	c.pos = -1
	return nil
}
