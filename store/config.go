package store

import (
	"fmt"
	"log/slog"
)

// DefaultConnectionName is the logical connection used when none is named.
const DefaultConnectionName = "default"

// IdentityField is the primary identity field of every document.
const IdentityField = "_id"

// DefaultPageSize is the page size used by FindWithPagination when none is given.
const DefaultPageSize = 10000

// Driver names understood by the bundled connectors.
const (
	DriverMongo  = "mongodb"
	DriverDynamo = "dynamodb"
	DriverMemory = "memory"
)

// ConnectionConfig holds the parameters of one named database connection.
type ConnectionConfig struct {
	// Driver selects the connector. Default: "mongodb"
	Driver string

	// URI is a full connection string. When set, Host and Port are ignored
	// by drivers that accept URIs.
	URI string

	// Host is the server host name. Default: "localhost"
	Host string

	// Port is the server port. Default: 27017 for mongodb, 8000 for dynamodb.
	Port int

	// AuthSource selects the database the connection is bound to.
	// For mongodb it is also the authentication database. Required.
	AuthSource string

	// Username and Password are optional credentials.
	Username string
	Password string

	// Options carries driver-specific settings, e.g. "replicaSet" for mongodb
	// or "region" and "profile" for dynamodb.
	Options map[string]string
}

// Option returns a driver option, or def when it is unset.
func (c ConnectionConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// validate fills defaults and rejects configs that cannot select a database.
func (c *ConnectionConfig) validate() error {
	if c.Driver == "" {
		c.Driver = DriverMongo
	}
	if c.AuthSource == "" {
		return ErrMissingAuthSource
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		switch c.Driver {
		case DriverMongo:
			c.Port = 27017
		case DriverDynamo:
			c.Port = 8000
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("doctable: invalid port %d", c.Port)
	}
	return nil
}

// TableConfig binds a table accessor to a table and a logical connection.
// Declare one per table, typically as a package-level variable:
//
//	var Users = store.TableConfig{Connection: "accounts", Table: "users"}
type TableConfig struct {
	// Connection is the logical connection name resolved through the Registry.
	// Default: "default"
	Connection string

	// Table is the table (collection) name. Required.
	Table string

	// Logger receives partial-failure and lifecycle messages.
	// Default: slog.Default()
	Logger *slog.Logger

	// Observer receives one event per bulk write call. Optional.
	Observer Observer
}

// validate ensures config values are usable.
func (c *TableConfig) validate() error {
	if c.Table == "" {
		return ErrNoTableName
	}
	if c.Connection == "" {
		c.Connection = DefaultConnectionName
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return nil
}
