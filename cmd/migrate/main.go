package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"hkit.org/internal/config"
	"hkit.org/internal/migrate"
	"hkit.org/internal/obs"
)

func main() {
	var dsn string
	root := &cobra.Command{
		Use:           "hkit-migrate",
		Short:         "Apply the console schema, row security policies and demo seeds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to HKIT_PG_DSN)")

	run := func(name string, fn func(ctx context.Context, m *migrate.Manager) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: name + " migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd.Context(), dsn, fn)
			},
		}
	}
	var dryRun bool
	apply := func(kind migrate.Kind, fn func(ctx context.Context, m *migrate.Manager) error) func(ctx context.Context, m *migrate.Manager) error {
		return func(ctx context.Context, m *migrate.Manager) error {
			if !dryRun {
				return fn(ctx, m)
			}
			pending, err := m.Pending(ctx, kind)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Printf("no pending %ss\n", kind)
			}
			for _, e := range pending {
				fmt.Println(e)
			}
			return nil
		}
	}
	up := run("up", apply(migrate.KindMigration, func(ctx context.Context, m *migrate.Manager) error { return m.Up(ctx) }))
	up.Short = "Apply pending migrations"
	up.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	down := run("down", func(ctx context.Context, m *migrate.Manager) error { return m.Down(ctx) })
	down.Short = "Roll back the latest migration"
	seed := run("seed", apply(migrate.KindSeed, func(ctx context.Context, m *migrate.Manager) error { return m.Seed(ctx) }))
	seed.Short = "Load demo seeds that have not run yet, under the service role"
	seed.Flags().BoolVar(&dryRun, "dry-run", false, "list pending seeds without loading them")
	status := run("status", func(ctx context.Context, m *migrate.Manager) error {
		entries, err := m.Status(ctx)
		if err != nil {
			return err
		}
		var drifted int
		for _, e := range entries {
			fmt.Println(e)
			if e.Drifted {
				drifted++
			}
		}
		if drifted > 0 {
			return fmt.Errorf("%w: %d applied file(s) changed on disk", migrate.ErrDrift, drifted)
		}
		return nil
	})
	status.Short = "List migrations and seeds with their applied state and checksum drift"
	root.AddCommand(up, down, seed, status)

	if err := root.Execute(); err != nil {
		obs.Logger().Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func withManager(parent context.Context, dsn string, fn func(ctx context.Context, m *migrate.Manager) error) error {
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dsn = cfg.PGDSN
	}
	if dsn == "" {
		return errors.New("missing DSN: provide via --dsn or HKIT_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	return fn(ctx, migrate.NewManager(db))
}
