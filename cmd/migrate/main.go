// Command migrate applies the SQL migrations in ./migrations to POSTGRES_DSN.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ordering/internal/config"
	"ms-ordering/internal/database/migrations"
	"ms-ordering/internal/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dir string
	var seed bool

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the order service database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR or ./migrations)")

	open := func() (*migrations.Runner, func(), error) {
		_ = godotenv.Load()
		cfg := config.Load()
		if dir == "" {
			dir = cfg.Database.MigrationsDir
		}

		sqldb, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := sqldb.Ping(); err != nil {
			sqldb.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}

		log := logger.New(logger.Options{Prefix: "migrate", MinLevel: logger.INFO, Terminal: os.Stdout, NoFile: true})
		bunDB := bun.NewDB(sqldb, pgdialect.New())
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: dir, SeedData: seed}, log)
		if err := runner.Initialize(); err != nil {
			bunDB.Close()
			return nil, nil, err
		}
		return runner, func() {
			if err := runner.Close(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply the schema, and the demo menu with --seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			return runner.RunMigrations()
		},
	}
	up.Flags().BoolVar(&seed, "seed", false, "also load the demo menu, offers and users")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			return runner.MigrateDown()
		},
	}

	to := &cobra.Command{
		Use:   "to [version]",
		Short: "Migrate up or down to a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			runner, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			return runner.MigrateTo(uint(version))
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			v, dirty, err := runner.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}

	root.AddCommand(up, down, to, version)
	return root
}
