// Command controlplane-migrate applies, rolls back, or reports the status of
// the control plane's Postgres schema, independent of the server binary so a
// deploy pipeline can run migrations as their own step.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cagojeiger/codehub-controlplane/pkg/config"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
)

func main() {
	root := &cobra.Command{
		Use:   "controlplane-migrate",
		Short: "Apply, roll back, or report the status of the control plane schema",
	}

	root.AddCommand(upCmd(), downCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	return db, nil
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return storage.Migrate(db)
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return storage.MigrateDown(db)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := storage.Status(db)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}
