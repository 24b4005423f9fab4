package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/cogbus/stores/mongo"
)

func newMigrateCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables and MongoDB indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdminEnv(cmd, s, func(ctx context.Context, e *env) error {
				return e.migrate(ctx)
			})
		},
	}
}

func (e *env) migrate(ctx context.Context) error {
	if e.settings.postgresDSN == "" && e.settings.mongoURI == "" {
		return errPostgresRequired
	}

	if e.settings.postgresDSN != "" {
		db, err := e.postgres(ctx)
		if err != nil {
			return err
		}
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(e.out, "Postgres schema migrated")
	}

	if e.settings.mongoURI != "" {
		if _, err := e.deadLetters(ctx); err != nil {
			return err
		}
		db, err := e.mongo(ctx)
		if err != nil {
			return err
		}
		if err := mongo.NewInboxStore(db).EnsureIndexes(ctx); err != nil {
			return err
		}
		fmt.Fprintln(e.out, "MongoDB indexes ensured")
	}
	return nil
}
