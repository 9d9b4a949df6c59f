package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"gxp-workflow/backend/internal/api"
	"gxp-workflow/backend/internal/config"
	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "gxp-workflow",
		Short:         "Document workflow and audit trail service",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (defaults to ./config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	rootCmd.RunE = serveCmd.RunE

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), configFile, func(_ context.Context, _ *config.Config, _ *repository.PostgresStore, _ *pgxpool.Pool, log *logging.Logger) error {
				log.Info("Schema migrated")
				return nil
			})
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-chain <entity-id>",
		Short: "Verify the audit hash chain of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), configFile, func(ctx context.Context, _ *config.Config, store *repository.PostgresStore, _ *pgxpool.Pool, log *logging.Logger) error {
				engine, err := workflow.NewEngine(store, workflow.Dependencies{}, workflow.Options{}, log)
				if err != nil {
					return err
				}
				report, err := engine.VerifyChain(ctx, args[0])
				if report != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "entity=%s records=%d valid=%t\n", report.EntityID, report.Records, report.Valid)
				}
				return err
			})
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, verifyCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withStore loads the configuration, connects to the database and applies
// the schema before handing control to fn.
func withStore(ctx context.Context, configFile string, fn func(context.Context, *config.Config, *repository.PostgresStore, *pgxpool.Pool, *logging.Logger) error) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, cfg, store, pool, logger)
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
