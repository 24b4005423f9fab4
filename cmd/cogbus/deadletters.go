package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/glimte/cogbus/deadletter"
)

func newDeadLettersCommand(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay dead letters",
	}

	var (
		filter deadletter.Filter
		source string
		since  time.Duration
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest failure first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Source = deadletter.Source(source)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				a, err := e.admin(ctx)
				if err != nil {
					return err
				}
				letters, err := a.ListDeadLetters(ctx, filter)
				if err != nil {
					return err
				}
				printDeadLetters(e.out, letters)
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&filter.ConsumerID, "consumer", "", "Only dead letters of this consumer")
	listCmd.Flags().StringVar(&source, "source", "", "Only dead letters from this side of the bus (consumer or outbox)")
	listCmd.Flags().StringVar(&filter.Type, "type", "", "Only dead letters of this envelope type")
	listCmd.Flags().DurationVar(&since, "since", 0, "Only dead letters that failed within this window")
	listCmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "Maximum number of dead letters")

	replayCmd := &cobra.Command{
		Use:   "replay <envelope-id>",
		Short: "Send every dead letter of an envelope back through the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid envelope id %q: %w", args[0], err)
			}
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				a, err := e.admin(ctx)
				if err != nil {
					return err
				}
				n, err := a.Replay(ctx, id)
				fmt.Fprintf(e.out, "Replayed %d dead letter(s) of %s\n", n, id)
				return err
			})
		},
	}

	var consumerID string
	discardCmd := &cobra.Command{
		Use:   "discard <envelope-id>",
		Short: "Remove a dead letter without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid envelope id %q: %w", args[0], err)
			}
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				a, err := e.admin(ctx)
				if err != nil {
					return err
				}
				if err := a.Discard(ctx, id, consumerID); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Discarded dead letter %s\n", id)
				return nil
			})
		},
	}
	discardCmd.Flags().StringVar(&consumerID, "consumer", "", "Consumer that gave up on the envelope (empty for outbox dead letters)")

	cmd.AddCommand(listCmd, replayCmd, discardCmd)
	return cmd
}

// withAdminEnv runs fn with a fresh env bounded by the command timeout
func withAdminEnv(cmd *cobra.Command, s *settings, fn func(ctx context.Context, e *env) error) error {
	e, err := newEnv(cmd, s)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
	defer cancel()
	return fn(ctx, e)
}

func printDeadLetters(w io.Writer, letters []deadletter.Record) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead letters found")
		return
	}

	fmt.Fprintf(w, "%-36s %-20s %-8s %-30s %-8s %-20s %s\n", "Envelope", "Consumer", "Source", "Type", "Attempts", "Failed At", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 150))

	for _, r := range letters {
		fmt.Fprintf(w, "%-36s %-20s %-8s %-30s %-8d %-20s %s\n",
			r.EnvelopeID,
			truncate(r.ConsumerID, 20),
			r.Source,
			truncate(r.Envelope.Type, 30),
			r.Attempts,
			r.FailedAt.UTC().Format(time.RFC3339),
			truncate(r.Reason, 60),
		)
	}
	fmt.Fprintf(w, "\n%d dead letter(s)\n", len(letters))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
