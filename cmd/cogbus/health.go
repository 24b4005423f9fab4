package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cogbus/health"
	"github.com/glimte/cogbus/stores/postgres"
)

var errUnhealthy = errors.New("system is unhealthy")

func newHealthCommand(s *settings) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured component",
		Long:  "Ping Postgres, MongoDB, Redis and RabbitMQ when configured and report the outbox backlog. Exits non-zero when unhealthy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				registry, err := e.healthRegistry(ctx, threshold)
				if err != nil {
					return err
				}
				report := registry.Check(ctx)
				printReport(e.out, report)
				if report.Status == health.StatusUnhealthy {
					return errUnhealthy
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "backlog-threshold", 1000, "Pending records above which health is degraded")
	return cmd
}

// healthRegistry registers a checker for each configured component. A
// connection that cannot be opened is reported as unhealthy rather than
// aborting the whole check.
func (e *env) healthRegistry(ctx context.Context, threshold int) (*health.Registry, error) {
	registry := health.NewRegistry()
	configured := 0

	if e.settings.postgresDSN != "" {
		configured++
		if db, err := e.postgres(ctx); err != nil {
			registry.Register(failedChecker("postgres", err))
		} else {
			registry.Register(health.NewPingChecker("postgres", db))
			registry.Register(health.NewBacklogChecker(postgres.NewOutboxStore(db), threshold))
		}
	}
	if e.settings.mongoURI != "" {
		configured++
		if db, err := e.mongo(ctx); err != nil {
			registry.Register(failedChecker("mongo", err))
		} else {
			registry.Register(health.NewPingChecker("mongo", db))
		}
	}
	if client := e.redis(); client != nil {
		configured++
		registry.Register(health.NewRedisChecker(client))
	}
	if e.settings.amqpURL != "" {
		configured++
		if broker, err := e.broker(ctx); err != nil {
			registry.Register(failedChecker("broker", err))
		} else {
			registry.Register(health.NewPingChecker("broker", broker))
		}
	}

	if configured == 0 {
		return nil, errors.New("no component configured, set at least one connection flag")
	}
	return registry, nil
}

func failedChecker(name string, cause error) health.Checker {
	return health.NewCheckerFunc(name, func(context.Context) health.CheckResult {
		return health.CheckResult{
			Name:      name,
			Status:    health.StatusUnhealthy,
			Message:   "connection failed",
			Error:     cause.Error(),
			Timestamp: time.Now(),
		}
	})
}

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "Overall Status: %s\n\n", strings.ToUpper(string(report.Status)))
	fmt.Fprintf(w, "%-16s %-10s %-12s %s\n", "Component", "Status", "Duration", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, name := range report.Names() {
		c := report.Checks[name]
		msg := c.Message
		if c.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, c.Error)
		}
		fmt.Fprintf(w, "%-16s %-10s %-12s %s\n", name, c.Status, c.Duration.Round(time.Microsecond), truncate(msg, 60))
	}
}
