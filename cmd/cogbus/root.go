package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/glimte/cogbus/admin"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/messaging"
	"github.com/glimte/cogbus/stores/mongo"
	"github.com/glimte/cogbus/stores/postgres"
	"github.com/glimte/cogbus/transports/rabbitmq"
)

const (
	envPostgresDSN = "COGBUS_POSTGRES_DSN"
	envMongoURI    = "COGBUS_MONGO_URI"
	envRedisAddr   = "COGBUS_REDIS_ADDR"
	envAMQPURL     = "COGBUS_AMQP_URL"
)

var (
	errPostgresRequired = errors.New("postgres dsn is required (--postgres-dsn or " + envPostgresDSN + ")")
	errMongoRequired    = errors.New("mongo uri is required (--mongo-uri or " + envMongoURI + ")")
	errAMQPRequired     = errors.New("amqp url is required (--amqp-url or " + envAMQPURL + ")")
)

// settings are the persistent flags shared by every command
type settings struct {
	postgresDSN   string
	mongoURI      string
	mongoDatabase string
	redisAddr     string
	amqpURL       string
	timeout       time.Duration
	verbose       bool
}

// env holds the connections a command opened; close releases them in
// reverse order
type env struct {
	settings *settings
	logger   *slog.Logger
	out      io.Writer
	closers  []func() error

	pg     *postgres.DB
	mdb    *mongo.Database
	rabbit *rabbitmq.Broker
}

func newRootCommand() *cobra.Command {
	s := &settings{}
	rootCmd := &cobra.Command{
		Use:           "cogbus",
		Short:         "Operate a cogbus deployment",
		Long:          "cogbus runs the outbox relay and inspects dead letters, the outbox backlog and component health.",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&s.postgresDSN, "postgres-dsn", os.Getenv(envPostgresDSN), "Postgres DSN of the outbox, inbox and cursors")
	flags.StringVar(&s.mongoURI, "mongo-uri", os.Getenv(envMongoURI), "MongoDB URI of the dead-letter store")
	flags.StringVar(&s.mongoDatabase, "mongo-database", mongo.DefaultDatabase, "MongoDB database name")
	flags.StringVar(&s.redisAddr, "redis-addr", os.Getenv(envRedisAddr), "Redis address of the inbox")
	flags.StringVar(&s.amqpURL, "amqp-url", os.Getenv(envAMQPURL), "RabbitMQ connection URL")
	flags.DurationVar(&s.timeout, "timeout", 30*time.Second, "Timeout of one-shot commands")
	flags.BoolVarP(&s.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRelayCommand(s),
		newDeadLettersCommand(s),
		newOutboxCommand(s),
		newHealthCommand(s),
		newMigrateCommand(s),
	)
	return rootCmd
}

// newEnv builds the logger of a command
func newEnv(cmd *cobra.Command, s *settings) (*env, error) {
	logger, err := newLogger(s.verbose)
	if err != nil {
		return nil, err
	}
	return &env{settings: s, logger: logger, out: cmd.OutOrStdout()}, nil
}

func newLogger(verbose bool) (*slog.Logger, error) {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return slog.New(zapslog.NewHandler(zapLogger.Core())), nil
}

func (e *env) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("failed to close resource", "error", err)
		}
	}
	e.closers = nil
}

func (e *env) postgres(ctx context.Context) (*postgres.DB, error) {
	if e.pg != nil {
		return e.pg, nil
	}
	if e.settings.postgresDSN == "" {
		return nil, errPostgresRequired
	}
	db, err := postgres.Open(ctx, e.settings.postgresDSN, postgres.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.onClose(db.Close)
	e.pg = db
	return db, nil
}

func (e *env) mongo(ctx context.Context) (*mongo.Database, error) {
	if e.mdb != nil {
		return e.mdb, nil
	}
	if e.settings.mongoURI == "" {
		return nil, errMongoRequired
	}
	db, err := mongo.Connect(ctx, e.settings.mongoURI,
		mongo.WithDatabase(e.settings.mongoDatabase),
		mongo.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.Disconnect(ctx)
	})
	e.mdb = db
	return db, nil
}

// deadLetters opens the Mongo dead-letter store and makes sure its indexes
// exist
func (e *env) deadLetters(ctx context.Context) (deadletter.Store, error) {
	db, err := e.mongo(ctx)
	if err != nil {
		return nil, err
	}
	store := mongo.NewDeadLetterStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (e *env) redis() redis.UniversalClient {
	if e.settings.redisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: e.settings.redisAddr})
	e.onClose(client.Close)
	return client
}

func (e *env) broker(ctx context.Context) (*rabbitmq.Broker, error) {
	if e.rabbit != nil {
		return e.rabbit, nil
	}
	if e.settings.amqpURL == "" {
		return nil, errAMQPRequired
	}
	broker, err := rabbitmq.NewBroker(ctx, e.settings.amqpURL, rabbitmq.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.onClose(broker.Close)
	e.rabbit = broker
	return broker, nil
}

// admin builds the operator surface from whatever is configured. Replays of
// consumer dead letters need the broker, outbox replays need Postgres.
func (e *env) admin(ctx context.Context) (*admin.Admin, error) {
	dlq, err := e.deadLetters(ctx)
	if err != nil {
		return nil, err
	}

	opts := []admin.Option{admin.WithLogger(e.logger)}
	if e.settings.postgresDSN != "" {
		db, err := e.postgres(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, admin.WithOutbox(postgres.NewOutboxStore(db)))
	}
	if e.settings.amqpURL != "" {
		broker, err := e.broker(ctx)
		if err != nil {
			return nil, err
		}
		bus, err := messaging.NewBus(broker, messaging.WithBusLogger(e.logger), messaging.WithDeadLetters(dlq))
		if err != nil {
			return nil, err
		}
		opts = append(opts, admin.WithPublisher(bus), admin.WithLagReporter(broker))
	}
	return admin.New(dlq, opts...), nil
}
