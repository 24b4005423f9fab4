package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cogbus/admin"
	"github.com/glimte/cogbus/stores/postgres"
)

func newOutboxCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the outbox",
	}

	var top int
	backlogCmd := &cobra.Command{
		Use:   "backlog",
		Short: "Show pending outbox records per partition, deepest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				db, err := e.postgres(ctx)
				if err != nil {
					return err
				}
				a := admin.New(nil, admin.WithOutbox(postgres.NewOutboxStore(db)), admin.WithLogger(e.logger))
				backlog, err := a.SortedBacklog(ctx)
				if err != nil {
					return err
				}
				printBacklog(e.out, backlog, top)
				return nil
			})
		},
	}
	backlogCmd.Flags().IntVarP(&top, "top", "n", 20, "Number of partitions shown (0 for all)")

	var olderThan time.Duration
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete published records older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				db, err := e.postgres(ctx)
				if err != nil {
					return err
				}
				n, err := postgres.NewOutboxStore(db).Purge(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Purged %d published record(s)\n", n)
				return nil
			})
		},
	}
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Retention window of published records")

	cmd.AddCommand(backlogCmd, purgeCmd)
	return cmd
}

func printBacklog(w io.Writer, backlog []admin.PartitionBacklog, top int) {
	if len(backlog) == 0 {
		fmt.Fprintln(w, "Outbox is empty")
		return
	}

	total := 0
	for _, b := range backlog {
		total += b.Pending
	}

	shown := backlog
	if top > 0 && len(shown) > top {
		shown = shown[:top]
	}

	fmt.Fprintf(w, "%-50s %-10s\n", "Partition", "Pending")
	fmt.Fprintln(w, strings.Repeat("-", 61))
	for _, b := range shown {
		fmt.Fprintf(w, "%-50s %-10d\n", truncate(b.PartitionKey, 50), b.Pending)
	}
	fmt.Fprintf(w, "\n%d pending record(s) across %d partition(s)\n", total, len(backlog))
}
