package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cogbus"
	"github.com/glimte/cogbus/deadletter"
	"github.com/glimte/cogbus/health"
	"github.com/glimte/cogbus/outbox"
	"github.com/glimte/cogbus/stores/postgres"
)

func newRelayCommand(s *settings) *cobra.Command {
	cfg := cogbus.DefaultConfig()
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the outbox relay",
		Long:  "Publish pending outbox records from Postgres to RabbitMQ until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, s)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runRelay(ctx, e, cfg, healthAddr)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&cfg.RelayPollInterval, "poll-interval", cfg.RelayPollInterval, "Interval between outbox polls")
	flags.IntVar(&cfg.RelayBatchSize, "batch-size", cfg.RelayBatchSize, "Records claimed per poll")
	flags.IntVar(&cfg.RelayLanes, "lanes", cfg.RelayLanes, "Partitions published concurrently")
	flags.DurationVar(&cfg.RelayLease, "lease", cfg.RelayLease, "Partition lease of a claim")
	flags.IntVar(&cfg.PublishAttempts, "max-attempts", cfg.PublishAttempts, "Publish attempts before a record is marked failed")
	flags.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time allowed for in-flight publishes on shutdown")
	flags.IntVar(&cfg.BacklogThreshold, "backlog-threshold", cfg.BacklogThreshold, "Pending records above which health is degraded")
	flags.StringVar(&healthAddr, "health-addr", "", "Serve /health, /ready and /live on this address")
	return cmd
}

func runRelay(ctx context.Context, e *env, cfg cogbus.Config, healthAddr string) error {
	db, err := e.postgres(ctx)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	broker, err := e.broker(ctx)
	if err != nil {
		return err
	}

	checkers := []health.Checker{health.NewPingChecker("postgres", db)}

	var dlq deadletter.Store
	if e.settings.mongoURI != "" {
		dlq, err = e.deadLetters(ctx)
		if err != nil {
			return err
		}
		mdb, err := e.mongo(ctx)
		if err != nil {
			return err
		}
		checkers = append(checkers, health.NewPingChecker("mongo", mdb))
	} else {
		e.logger.Warn("no dead-letter store configured, failed outbox records are kept in memory only")
		dlq = deadletter.NewMemoryStore()
	}

	store := postgres.NewOutboxStore(db)
	client, err := cogbus.NewClient(broker,
		cogbus.WithConfig(cfg),
		cogbus.WithLogger(e.logger),
		cogbus.WithOutbox(store),
		cogbus.WithDeadLetters(dlq),
		cogbus.WithCursorStore(postgres.NewCursorStore(db)),
		cogbus.WithHealthCheckers(checkers...),
		cogbus.WithOutboxAlert(func(_ context.Context, rec outbox.Record, err error) {
			e.logger.Error("outbox record failed",
				"envelopeId", rec.Envelope.ID,
				"envelopeType", rec.Envelope.Type,
				"partitionKey", rec.Envelope.PartitionKey,
				"attempt", rec.Attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		return err
	}

	if healthAddr != "" {
		srv := newHealthServer(healthAddr, client.Health())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("health server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		e.logger.Info("health server listening", "addr", healthAddr)
	}

	return client.Run(ctx)
}

func newHealthServer(addr string, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/ready", health.ReadinessHandler(registry))
	mux.Handle("/live", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
