//go:build e2e

// Package e2e contains end-to-end integration tests against a live MongoDB
// server and DynamoDB Local.
// Run with: go test -tags=e2e -v ./e2e/...
//
// Endpoints come from DOCTABLE_E2E_MONGO_URI (default mongodb://localhost:27017)
// and DOCTABLE_E2E_DYNAMO_HOST (default localhost, port 8000).
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/doctable/dynamo"
	"github.com/jacentio/doctable/metrics"
	"github.com/jacentio/doctable/mongodb"
	"github.com/jacentio/doctable/store"
)

const (
	mongoConn  = "default"
	dynamoConn = "dynamo"

	// Table names are unique per test run to avoid conflicts.
	tablePrefix = "doctable_e2e"
)

var (
	testID   string
	database string
	registry *store.Registry
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	database = fmt.Sprintf("%s_%s", tablePrefix, testID)
	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Database: %s\n", database)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registry = store.NewRegistry(store.Drivers{
		store.DriverMongo:  mongodb.Connector{},
		store.DriverDynamo: dynamo.Connector{},
	}, nil)

	err := registry.Init(ctx, map[string]store.ConnectionConfig{
		mongoConn: {
			Driver:     store.DriverMongo,
			URI:        getenv("DOCTABLE_E2E_MONGO_URI", "mongodb://localhost:27017"),
			AuthSource: database,
			Options: map[string]string{
				mongodb.OptionPing:                   "true",
				mongodb.OptionAppName:                "doctable-e2e",
				mongodb.OptionServerSelectionTimeout: "5000",
			},
		},
		dynamoConn: {
			Driver:     store.DriverDynamo,
			Host:       getenv("DOCTABLE_E2E_DYNAMO_HOST", "localhost"),
			AuthSource: database,
			Username:   "local",
			Password:   "local",
			Options: map[string]string{
				dynamo.OptionLocal:       "true",
				dynamo.OptionWaitTimeout: "30s",
			},
		},
	})
	if err != nil {
		fmt.Printf("Failed to open connections: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if db, err := registry.Database(mongoConn); err == nil {
		if mdb, ok := db.(*mongodb.Database); ok {
			if err := mdb.Mongo().Drop(context.Background()); err != nil {
				fmt.Printf("Warning: failed to drop database %s: %v\n", database, err)
			}
		}
	}
	if err := registry.CloseAll(context.Background()); err != nil {
		fmt.Printf("Warning: failed to close connections: %v\n", err)
	}

	os.Exit(code)
}

// newTable returns an accessor for a fresh table on conn and drops it when the test ends.
func newTable(t *testing.T, conn string, observer store.Observer) *store.Table {
	t.Helper()
	tbl, err := store.NewTable(registry, store.TableConfig{
		Connection: conn,
		Table:      "t_" + uuid.New().String()[:8],
		Observer:   observer,
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	t.Cleanup(func() {
		if err := tbl.Drop(context.Background()); err != nil {
			t.Logf("Warning: failed to drop table %s: %v", tbl.Name(), err)
		}
	})
	return tbl
}

func users(n int) []store.Document {
	docs := make([]store.Document, n)
	for i := range docs {
		docs[i] = store.Document{"_id": fmt.Sprintf("u%d", i), "name": fmt.Sprintf("user %d", i)}
	}
	return docs
}

// --- MongoDB ---

func TestMongo_DatabaseIsAuthSource(t *testing.T) {
	db, err := registry.Database("")
	if err != nil {
		t.Fatalf("Database failed: %v", err)
	}
	if db.Name() != database {
		t.Errorf("expected database %s, got %s", database, db.Name())
	}
}

func TestMongo_UpsertOneIdempotent(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, mongoConn, nil)

	doc := store.Document{"_id": "a", "name": "Alice"}
	for i := 0; i < 2; i++ {
		res, err := tbl.UpsertOne(ctx, doc, "_id")
		if err != nil || !res.OK() {
			t.Fatalf("UpsertOne %d failed: %v %s", i, err, res.Message())
		}
	}

	n, err := tbl.Count(ctx, nil)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 document, got %d", n)
	}
}

func TestMongo_UpsertManyDropsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	tbl := newTable(t, mongoConn, metrics.NewRecorder(obs))

	if _, err := tbl.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := tbl.SetValidator(ctx, []string{"name"}, map[string]store.Document{
		"name": {"bsonType": "string"},
	})
	if err != nil {
		t.Fatalf("SetValidator failed: %v", err)
	}

	entries := users(5)
	entries[1]["name"] = 1
	entries[3]["name"] = 3

	out, err := tbl.UpsertMany(ctx, entries, "_id")
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}
	if out.Dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", out.Dropped)
	}
	var failed []int
	for _, f := range out.Failures {
		failed = append(failed, f.Entry)
	}
	if !slices.Equal(failed, []int{1, 3}) {
		t.Errorf("expected failures at [1 3], got %v", failed)
	}
	if n, _ := tbl.Count(ctx, nil); n != 3 {
		t.Errorf("expected 3 documents, got %d", n)
	}
	if obs.counters[metrics.BulkDropped] != 2 {
		t.Errorf("expected 2 dropped recorded, got %v", obs.counters[metrics.BulkDropped])
	}

	if err := tbl.DisableValidator(ctx); err != nil {
		t.Fatalf("DisableValidator failed: %v", err)
	}
	out, err = tbl.UpsertMany(ctx, entries, "_id")
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}
	if out.Dropped != 0 {
		t.Errorf("expected nothing dropped with validation off, got %d", out.Dropped)
	}
}

func TestMongo_InsertManyLeavesExisting(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, mongoConn, nil)

	if _, err := tbl.InsertMany(ctx, users(3), "_id"); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	changed := users(4)
	changed[0]["name"] = "changed"
	out, err := tbl.InsertMany(ctx, changed, "_id")
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if out.Dropped != 0 {
		t.Errorf("expected no failures, got %d", out.Dropped)
	}

	doc, err := tbl.FindOne(ctx, store.Filter{"_id": "u0"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if doc["name"] != "user 0" {
		t.Errorf("expected existing document untouched, got %v", doc["name"])
	}
	if n, _ := tbl.Count(ctx, nil); n != 4 {
		t.Errorf("expected 4 documents, got %d", n)
	}
}

func TestMongo_FindWithPagination(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, mongoConn, nil)

	if _, err := tbl.UpsertMany(ctx, users(7), "_id"); err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}

	for _, size := range []int{1, 3, 7, 10} {
		docs, err := store.Collect(tbl.FindWithPagination(ctx, nil, store.Sort{store.Asc("_id")}, size))
		if err != nil {
			t.Fatalf("page size %d: %v", size, err)
		}
		if len(docs) != 7 {
			t.Errorf("page size %d: expected 7 documents, got %d", size, len(docs))
			continue
		}
		for i, d := range docs {
			if want := fmt.Sprintf("u%d", i); d["_id"] != want {
				t.Errorf("page size %d: expected %s at %d, got %v", size, want, i, d["_id"])
			}
		}
	}
}

func TestMongo_Indexes(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, mongoConn, nil)

	if _, err := tbl.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tbl.CreateIndexes(ctx, []string{"email"}, true); err != nil {
			t.Fatalf("CreateIndexes %d failed: %v", i, err)
		}
	}

	names, err := tbl.IndexNames(ctx)
	if err != nil {
		t.Fatalf("IndexNames failed: %v", err)
	}
	if !slices.Contains(names, "email_1") {
		t.Errorf("expected email_1 in %v", names)
	}

	out, err := tbl.UpsertMany(ctx, []store.Document{
		{"_id": "a", "email": "x@example.com"},
		{"_id": "b", "email": "x@example.com"},
	}, "_id")
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}
	if out.Dropped != 1 || out.Failures[0].Entry != 1 {
		t.Errorf("expected duplicate at entry 1 dropped, got %+v", out.Failures)
	}

	if err := tbl.DropIndexes(ctx, []string{"email", "missing"}); err != nil {
		t.Fatalf("DropIndexes failed: %v", err)
	}
	names, _ = tbl.IndexNames(ctx)
	if slices.Contains(names, "email_1") {
		t.Errorf("expected email_1 dropped, got %v", names)
	}
}

func TestMongo_DropThenCreate(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, mongoConn, nil)

	if _, err := tbl.UpsertOne(ctx, store.Document{"_id": "a"}, "_id"); err != nil {
		t.Fatalf("UpsertOne failed: %v", err)
	}
	if err := tbl.Drop(ctx); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := tbl.Count(ctx, nil); !errors.Is(err, store.ErrTableDropped) {
		t.Errorf("expected ErrTableDropped, got %v", err)
	}
	if ok, _ := tbl.Exists(ctx); ok {
		t.Error("expected table not to exist")
	}

	if _, err := tbl.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if n, err := tbl.Count(ctx, nil); err != nil || n != 0 {
		t.Errorf("expected empty table, got %d, %v", n, err)
	}
}

// --- DynamoDB Local ---

func TestDynamo_UpsertManyDropsRejectedKey(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, dynamoConn, nil)

	entries := users(4)
	entries[2]["_id"] = 42 // the table key is a string

	out, err := tbl.UpsertMany(ctx, entries, "_id")
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}
	if out.Dropped != 1 || out.Failures[0].Entry != 2 {
		t.Errorf("expected entry 2 dropped, got %+v", out.Failures)
	}
	if n, _ := tbl.Count(ctx, nil); n != 3 {
		t.Errorf("expected 3 items, got %d", n)
	}
}

func TestDynamo_FindAndDelete(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, dynamoConn, nil)

	if _, err := tbl.InsertMany(ctx, users(5), "_id"); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	docs, err := store.Collect(tbl.Find(ctx, store.Query{Offset: 1, Limit: 2}))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 documents, got %d", len(docs))
	}

	doc, err := tbl.FindOne(ctx, store.Filter{"name": "user 3"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if doc["_id"] != "u3" {
		t.Errorf("expected u3, got %v", doc["_id"])
	}

	n, err := tbl.DeleteOne(ctx, store.Filter{"_id": "u3"})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d, %v", n, err)
	}
	if _, err := tbl.FindOne(ctx, store.Filter{"_id": "u3"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDynamo_UnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, dynamoConn, nil)

	if _, err := tbl.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tbl.SetValidator(ctx, []string{"name"}, nil); !errors.Is(err, store.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for validators, got %v", err)
	}
	if err := tbl.CreateIndexes(ctx, []string{"email"}, true); !errors.Is(err, store.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for unique indexes, got %v", err)
	}
	_, err := store.Collect(tbl.Find(ctx, store.Query{Sort: store.Sort{store.Asc("name")}}))
	if !errors.Is(err, store.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for sorted scans, got %v", err)
	}
}

// countingObserver is a metrics backend summing counters by name.
type countingObserver struct {
	counters map[string]float64
}

func (c *countingObserver) IncCounter(name string, delta float64, _ metrics.Labels) {
	if c.counters == nil {
		c.counters = make(map[string]float64)
	}
	c.counters[name] += delta
}

func (c *countingObserver) ObserveHistogram(string, float64, metrics.Labels) {}
func (c *countingObserver) Flush() error                                    { return nil }
