// Package dynamo implements the store backend contract on Amazon DynamoDB.
//
// A connection's AuthSource is a namespace rather than a server-side database:
// table "users" of database "app" is the DynamoDB table "app.users". Every
// table is keyed by the partition key "_id", whose attribute type comes from
// the "key_type" option (S, N or B; default S).
//
// DynamoDB has no server-side sort over a scan, no unique secondary indexes
// and no schema validators. Those operations return store.ErrUnsupported.
// Numbers read back from the service decode as float64.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/doctable/internal/naming"
	"github.com/jacentio/doctable/store"
)

// Option keys read from store.ConnectionConfig.Options.
const (
	OptionRegion      = "region"
	OptionProfile     = "profile"
	OptionLocal       = "local"
	OptionKeyType     = "key_type"
	OptionIndexType   = "index_type"
	OptionWaitTimeout = "wait_timeout"
	OptionAutoCreate  = "auto_create"
)

const (
	defaultRegion      = "us-east-1"
	defaultWaitTimeout = 2 * time.Minute
)

// API is the subset of *dynamodb.Client used by this package.
type API interface {
	dynamodb.DescribeTableAPIClient
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
}

// Connector opens DynamoDB clients. The zero value loads the default AWS
// configuration chain.
type Connector struct {
	// API, when set, is used instead of building a client from the config.
	API API
}

// Connect implements store.Connector.
//
// The AWS config is loaded with config.LoadDefaultConfig using the "region"
// (default us-east-1) and "profile" options. Username and Password, when
// set, are used as static access key credentials. URI, or Host and Port
// when the "local" option is "true", overrides the service endpoint, as
// needed for DynamoDB Local.
func (c Connector) Connect(ctx context.Context, cfg store.ConnectionConfig) (store.Client, error) {
	settings, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}

	api := c.API
	if api == nil {
		awsCfg, err := loadConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		endpoint := endpointFor(cfg)
		api = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}

	return &Client{api: api, settings: settings}, nil
}

func loadConfig(ctx context.Context, cfg store.ConnectionConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Option(OptionRegion, defaultRegion)),
	}
	if profile := cfg.Option(OptionProfile, ""); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if cfg.Username != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Username, cfg.Password, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func endpointFor(cfg store.ConnectionConfig) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	if cfg.Option(OptionLocal, "") == "true" {
		return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return ""
}

// settings are the per-connection options shared by every handle.
type settings struct {
	keyType     types.ScalarAttributeType
	indexType   types.ScalarAttributeType
	waitTimeout time.Duration
	autoCreate  bool
}

func parseSettings(cfg store.ConnectionConfig) (settings, error) {
	s := settings{
		keyType:     types.ScalarAttributeType(cfg.Option(OptionKeyType, string(types.ScalarAttributeTypeS))),
		indexType:   types.ScalarAttributeType(cfg.Option(OptionIndexType, string(types.ScalarAttributeTypeS))),
		waitTimeout: defaultWaitTimeout,
		autoCreate:  true,
	}
	for _, t := range []types.ScalarAttributeType{s.keyType, s.indexType} {
		switch t {
		case types.ScalarAttributeTypeS, types.ScalarAttributeTypeN, types.ScalarAttributeTypeB:
		default:
			return settings{}, fmt.Errorf("dynamo: invalid attribute type %q", t)
		}
	}
	if v := cfg.Option(OptionWaitTimeout, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return settings{}, fmt.Errorf("dynamo: %s: %w", OptionWaitTimeout, err)
		}
		s.waitTimeout = d
	}
	if v := cfg.Option(OptionAutoCreate, ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return settings{}, fmt.Errorf("dynamo: %s: %w", OptionAutoCreate, err)
		}
		s.autoCreate = b
	}
	return s, nil
}

// Client is an open DynamoDB connection.
type Client struct {
	api      API
	settings settings
	closed   atomic.Bool
}

// API returns the underlying service client.
func (c *Client) API() API { return c.api }

// Database implements store.Client.
func (c *Client) Database(name string) store.Database {
	return &Database{client: c, name: name}
}

// Disconnect implements store.Client. The SDK keeps no connection state to
// release, so this only marks the client closed.
func (c *Client) Disconnect(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Disconnect was called.
func (c *Client) Closed() bool { return c.closed.Load() }

// Database is a table namespace.
type Database struct {
	client *Client
	name   string
}

// Name implements store.Database.
func (d *Database) Name() string { return d.name }

// TableName returns the DynamoDB table name of a table in this namespace.
func (d *Database) TableName(table string) string {
	return naming.Qualified(d.name, table)
}

// Collection implements store.Database.
func (d *Database) Collection(name string) store.Collection {
	return &Collection{db: d, name: name, table: d.TableName(name)}
}

// HasCollection implements store.Database.
func (d *Database) HasCollection(ctx context.Context, name string) (bool, error) {
	_, err := d.client.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.TableName(name)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateCollection implements store.Database. It waits until the table is active.
func (d *Database) CreateCollection(ctx context.Context, name string) error {
	table := d.TableName(name)
	_, err := d.client.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(store.IdentityField), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(store.IdentityField), AttributeType: d.client.settings.keyType},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return fmt.Errorf("%w: %s", ErrTableExists, table)
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client.api)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	}, d.client.settings.waitTimeout)
}

// CollectionInfo implements store.Database. DynamoDB tables have no validator.
func (d *Database) CollectionInfo(ctx context.Context, name string) (store.CollectionInfo, error) {
	exists, err := d.HasCollection(ctx, name)
	if err != nil || !exists {
		return store.CollectionInfo{}, err
	}
	return store.CollectionInfo{Exists: true, Level: store.ValidationOff}, nil
}

// ModifyCollection implements store.Database. Only turning validation off
// is accepted, as a no-op.
func (d *Database) ModifyCollection(ctx context.Context, name string, mod store.CollectionMod) error {
	if mod.Validator != nil || (mod.Level != "" && mod.Level != store.ValidationOff) {
		return fmt.Errorf("%w: table validators", store.ErrUnsupported)
	}
	return nil
}
