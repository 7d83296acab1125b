package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// connection is one registered name with its config and open handles.
type connection struct {
	config ConnectionConfig
	client Client
	db     Database
}

// Registry maps logical connection names to open database handles.
// It owns the handles: tables borrow them and never close them.
//
// Registry methods are safe for concurrent use. Handles remain shared between
// every table built from them, so their thread safety is the client's.
type Registry struct {
	connector Connector
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
	order []string
}

// NewRegistry creates an empty Registry that opens connections with connector.
func NewRegistry(connector Connector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connector: connector,
		logger:    logger,
		conns:     make(map[string]*connection),
	}
}

// Init opens one connection per entry and registers it under its name.
// Each connection is bound to the database named by its AuthSource.
//
// An empty name is registered as DefaultConnectionName.
//
// Init adds to the existing state. Names that are already registered are
// rejected with ErrDuplicateConnection; call CloseAll first to start over.
// Either every entry is registered or none is: when any connection fails to
// open, the ones opened by this call are disconnected again.
func (r *Registry) Init(ctx context.Context, configs map[string]ConnectionConfig) error {
	// An empty name registers the default connection.
	byName := make(map[string]ConnectionConfig, len(configs))
	for name, cfg := range configs {
		if name == "" {
			name = DefaultConnectionName
		}
		if _, dup := byName[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateConnection, name)
		}
		byName[name] = cfg
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	validated := make([]ConnectionConfig, len(names))
	for i, name := range names {
		cfg := byName[name]
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}
		validated[i] = cfg
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, exists := r.conns[name]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateConnection, name)
		}
	}

	opened := make([]*connection, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		g.Go(func() error {
			client, err := r.connector.Connect(gctx, validated[i])
			if err != nil {
				return fmt.Errorf("connect %q: %w", names[i], err)
			}
			opened[i] = &connection{
				config: validated[i],
				client: client,
				db:     client.Database(validated[i].AuthSource),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i, conn := range opened {
			if conn == nil {
				continue
			}
			if derr := conn.client.Disconnect(ctx); derr != nil {
				r.logger.Warn("failed to disconnect after init error",
					"connection", names[i],
					"error", derr,
				)
			}
		}
		return err
	}

	for i, name := range names {
		r.conns[name] = opened[i]
		r.order = append(r.order, name)
		r.logger.Info("connection opened",
			"connection", name,
			"driver", validated[i].Driver,
			"database", validated[i].AuthSource,
		)
	}
	return nil
}

// Database returns the database handle registered under name.
// An empty name selects DefaultConnectionName.
func (r *Registry) Database(name string) (Database, error) {
	if name == "" {
		name = DefaultConnectionName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, name)
	}
	return conn.db, nil
}

// Config returns the validated config registered under name.
func (r *Registry) Config(name string) (ConnectionConfig, bool) {
	if name == "" {
		name = DefaultConnectionName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[name]
	if !ok {
		return ConnectionConfig{}, false
	}
	return conn.config, true
}

// Names returns the registered connection names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// CloseAll disconnects every registered connection and clears the registry.
// The registry is cleared even when some disconnects fail; their errors are joined.
// Calling CloseAll on an empty registry is a no-op.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.order {
		if err := r.conns[name].client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %q: %w", name, err))
			continue
		}
		r.logger.Info("connection closed", "connection", name)
	}

	r.conns = make(map[string]*connection)
	r.order = nil

	return errors.Join(errs...)
}
