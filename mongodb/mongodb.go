// Package mongodb implements the store backend contract on MongoDB using the
// official Go driver.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jacentio/doctable/store"
)

// Option keys read from store.ConnectionConfig.Options.
const (
	OptionReplicaSet             = "replicaSet"
	OptionAppName                = "appName"
	OptionServerSelectionTimeout = "serverSelectionTimeoutMS"
	OptionPing                   = "ping"
)

// codeNamespaceExists is the server error code for creating an existing collection.
const codeNamespaceExists = 48

// Connector opens MongoDB clients.
type Connector struct{}

// Connect implements store.Connector.
//
// The client is built from URI when set, otherwise from Host and Port.
// Credentials authenticate against AuthSource. When the "ping" option is
// "true" the primary is pinged before Connect returns; otherwise server
// errors surface on first use.
func (Connector) Connect(ctx context.Context, cfg store.ConnectionConfig) (store.Client, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	if cfg.Option(OptionPing, "") == "true" {
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return nil, errors.Join(fmt.Errorf("ping: %w", err), client.Disconnect(ctx))
		}
	}
	return &Client{client: client}, nil
}

// clientOptions translates a connection config into driver options.
func clientOptions(cfg store.ConnectionConfig) (*options.ClientOptions, error) {
	opts := options.Client()
	if cfg.URI != "" {
		opts.ApplyURI(cfg.URI)
	} else {
		opts.SetHosts([]string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))})
	}

	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	if v := cfg.Option(OptionReplicaSet, ""); v != "" {
		opts.SetReplicaSet(v)
	}
	if v := cfg.Option(OptionAppName, ""); v != "" {
		opts.SetAppName(v)
	}
	if v := cfg.Option(OptionServerSelectionTimeout, ""); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("mongodb: %s: %w", OptionServerSelectionTimeout, err)
		}
		opts.SetServerSelectionTimeout(time.Duration(ms) * time.Millisecond)
	}

	// Embedded documents decode as maps, matching store.Document.
	opts.SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("mongodb: %w", err)
	}
	return opts, nil
}

// Client wraps *mongo.Client.
type Client struct {
	client *mongo.Client
}

// Mongo returns the underlying driver client.
func (c *Client) Mongo() *mongo.Client { return c.client }

// Database implements store.Client.
func (c *Client) Database(name string) store.Database {
	return &Database{db: c.client.Database(name)}
}

// Disconnect implements store.Client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Database wraps *mongo.Database.
type Database struct {
	db *mongo.Database
}

// Mongo returns the underlying driver database.
func (d *Database) Mongo() *mongo.Database { return d.db }

// Name implements store.Database.
func (d *Database) Name() string { return d.db.Name() }

// Collection implements store.Database.
func (d *Database) Collection(name string) store.Collection {
	return &Collection{coll: d.db.Collection(name)}
}

// HasCollection implements store.Database.
func (d *Database) HasCollection(ctx context.Context, name string) (bool, error) {
	names, err := d.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// CreateCollection implements store.Database.
func (d *Database) CreateCollection(ctx context.Context, name string) error {
	return createError(d.db.CreateCollection(ctx, name))
}

func createError(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists {
		return fmt.Errorf("%w: %s", store.ErrTableExists, err)
	}
	return err
}

// CollectionInfo implements store.Database.
func (d *Database) CollectionInfo(ctx context.Context, name string) (store.CollectionInfo, error) {
	specs, err := d.db.ListCollectionSpecifications(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return store.CollectionInfo{}, err
	}
	if len(specs) == 0 {
		return store.CollectionInfo{}, nil
	}
	return collectionInfo(specs[0].Options)
}

// collectionInfo reads the validation settings out of collection options.
func collectionInfo(raw bson.Raw) (store.CollectionInfo, error) {
	info := store.CollectionInfo{Exists: true, Level: store.ValidationStrict}
	if len(raw) == 0 {
		return info, nil
	}

	var opts struct {
		Validator       bson.M `bson:"validator"`
		ValidationLevel string `bson:"validationLevel"`
	}
	if err := bson.Unmarshal(raw, &opts); err != nil {
		return store.CollectionInfo{}, fmt.Errorf("decode collection options: %w", err)
	}
	if len(opts.Validator) > 0 {
		info.Validator = store.Document(opts.Validator)
	}
	if opts.ValidationLevel != "" {
		info.Level = store.ValidationLevel(opts.ValidationLevel)
	}
	return info, nil
}

// ModifyCollection implements store.Database with the collMod command.
func (d *Database) ModifyCollection(ctx context.Context, name string, mod store.CollectionMod) error {
	return d.db.RunCommand(ctx, collModCommand(name, mod)).Err()
}

func collModCommand(name string, mod store.CollectionMod) bson.D {
	cmd := bson.D{{Key: "collMod", Value: name}}
	if mod.Validator != nil {
		cmd = append(cmd, bson.E{Key: "validator", Value: mod.Validator})
	}
	if mod.Level != "" {
		cmd = append(cmd, bson.E{Key: "validationLevel", Value: string(mod.Level)})
	}
	return cmd
}

// mapError converts driver errors into store errors. Write exceptions become
// *store.WriteError and bulk write exceptions *store.BulkWriteError, as long
// as every failure is tied to a request.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}

	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 && we.WriteConcernError == nil {
		first := we.WriteErrors[0]
		return &store.WriteError{Index: first.Index, Code: first.Code, Message: first.Message}
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 && bwe.WriteConcernError == nil {
		out := &store.BulkWriteError{WriteErrors: make([]store.WriteError, 0, len(bwe.WriteErrors))}
		for _, e := range bwe.WriteErrors {
			out.WriteErrors = append(out.WriteErrors, store.WriteError{Index: e.Index, Code: e.Code, Message: e.Message})
		}
		return out
	}
	return err
}
