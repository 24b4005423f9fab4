package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/glimte/cogbus/contracts"
)

const (
	// DefaultDatabase is used when no database name is configured
	DefaultDatabase = "cogbus"

	inboxCollection      = "cogbus_inbox"
	deadLetterCollection = "cogbus_deadletters"
	pingTimeout          = 5 * time.Second
)

var ErrURIRequired = errors.New("mongo: uri is required")

// Database bundles the client and database every store of this package
// works on
type Database struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Option configures a Database
type Option func(*config)

type config struct {
	database string
	logger   *slog.Logger
}

// WithDatabase overrides the database name
func WithDatabase(name string) Option {
	return func(o *config) {
		if name != "" {
			o.database = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *config) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Connect opens a client for uri and verifies it reaches a primary
func Connect(ctx context.Context, uri string, opts ...Option) (*Database, error) {
	if uri == "" {
		return nil, ErrURIRequired
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	d := New(client, opts...)
	if err := d.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return d, nil
}

// New wraps an existing client
func New(client *mongo.Client, opts ...Option) *Database {
	o := config{database: DefaultDatabase, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Database{
		client: client,
		db:     client.Database(o.database),
		logger: o.logger,
	}
}

// Client returns the underlying client
func (d *Database) Client() *mongo.Client {
	return d.client
}

// Ping verifies that a primary is reachable
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Disconnect closes the client
func (d *Database) Disconnect(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func (d *Database) collection(name string) *mongo.Collection {
	return d.db.Collection(name)
}

// wrap maps network failures and timeouts onto retryable TransportErrors
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return contracts.NewTransportError("mongo "+op, "", err)
	default:
		return fmt.Errorf("mongo: %s: %w", op, err)
	}
}
