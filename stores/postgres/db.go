package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const pingTimeout = 5 * time.Second

var ErrDSNRequired = errors.New("postgres: dsn is required")

// DB wraps the gorm handle shared by every store of this package
type DB struct {
	gorm   *gorm.DB
	logger *slog.Logger
}

// Option configures a DB
type Option func(*DB)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Open connects to dsn and verifies the connection
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		return nil, ErrDSNRequired
	}

	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	d := New(g, opts...)
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing gorm handle
func New(g *gorm.DB, opts ...Option) *DB {
	d := &DB{gorm: g, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Gorm returns the underlying handle
func (d *DB) Gorm() *gorm.DB {
	return d.gorm
}

// Migrate creates the tables and indexes if they do not exist
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.gorm.WithContext(ctx).Exec(schema).Error; err != nil {
		return wrap("migrate", err)
	}
	d.logger.Info("postgres schema ready")
	return nil
}

// Ping verifies the connection
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close closes the connection pool
func (d *DB) Close() error {
	if d == nil || d.gorm == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transact runs fn in a transaction carried by the context it receives. A
// context that already carries a transaction gets a savepoint instead.
// fn's own error is returned unchanged; commit failures are wrapped.
func (d *DB) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	var fnErr error
	err := d.conn(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(WithTx(ctx, tx))
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return wrap("commit", err)
}

// conn returns the transaction in ctx or the pool
func (d *DB) conn(ctx context.Context) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return d.gorm.WithContext(ctx)
}

type txKey struct{}

// WithTx returns a context carrying tx
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction started by Transact, bound to ctx
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	if !ok || tx == nil {
		return nil, false
	}
	return tx.WithContext(ctx), true
}
