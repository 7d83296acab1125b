// Package store provides a lightweight access layer over document databases.
//
// It has two parts: a [Registry] of named database connections, and a [Table]
// accessor bound to one table on one of those connections. Tables wrap the
// common read, write, index and validation operations with convenience
// semantics such as pagination, idempotent upserts and bulk writes that
// survive isolated per-document failures.
//
// # Connections
//
// A Registry opens one client per logical name and binds it to the database
// selected by [ConnectionConfig.AuthSource]:
//
//	reg := store.NewRegistry(store.Drivers{
//	    store.DriverMongo: mongodb.Connector{},
//	}, logger)
//	err := reg.Init(ctx, map[string]store.ConnectionConfig{
//	    store.DefaultConnectionName: {Host: "127.0.0.1", AuthSource: "app"},
//	})
//	defer reg.CloseAll(ctx)
//
// # Tables
//
// A [TableConfig] names the table and its connection; it replaces
// per-type defaults:
//
//	var Users = store.TableConfig{Table: "users"}
//
//	users, err := store.NewTable(reg, Users)
//	res, err := users.UpsertOne(ctx, store.Document{"_id": 1, "name": "Alice"}, "")
//	if !res.OK() {
//	    log.Printf("rejected: %s", res.Message())
//	}
//
// # Bulk Writes
//
// [Table.UpsertMany] and [Table.InsertMany] submit one batch. When the store
// rejects individual requests, those requests are dropped and the remainder is
// resubmitted until a submission succeeds. The [BulkOutcome] reports how many
// entries were dropped and the store's summary for the survivors.
//
// Each completed bulk call is reported to [TableConfig.Observer]; the metrics
// package provides an Observer backed by Prometheus or DogStatsD.
//
// # Errors
//
// Caller misuse is reported with sentinel errors:
//
//   - [ErrConnectionNotFound] - no connection under that name
//   - [ErrDuplicateConnection] - name registered twice
//   - [ErrMissingAuthSource] - config does not select a database
//   - [ErrNoTableName] - table accessor without a table name
//   - [ErrTableDropped] - data operation after Drop
//   - [ErrMissingUniqueField] - entry lacks the unique field
//
// Store-enforced write rejections are data, not failures: [UpsertResult.Rejected]
// for single writes and [BulkOutcome.Failures] for bulk writes.
// Transport errors are returned unchanged.
package store
