/*
main.go - Application entry point

PURPOSE:
  Starts the settlement engine. Handles configuration, dependency
  injection, and graceful shutdown.

COMMANDS:
  serve    HTTP API plus the periodic settlement scheduler
  settle   One settlement pass for one tenant (--tenant) or all tenants
  migrate  Apply schema migrations and report the version state

FLAGS (all commands):
  --config  TOML config file (default: built-in defaults)
  --db      SQLite database path, overrides database.path
  --port    HTTP port, overrides server.port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (an in-progress pass finishes its current day)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  settled serve --config settled.toml
  settled settle --db ./data/settlement.db --tenant 7
  settled migrate --db ./data/settlement.db

SEE ALSO:
  - api/server.go: Router configuration
  - settlement/scheduler.go: Periodic runs
  - config/config.go: Configuration file format
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
	"github.com/warp/settlement-engine/store/sqlite/migrations"
)

var (
	configPath string
	dbPath     string
	port       int
	tenantID   int64
)

var rootCmd = &cobra.Command{
	Use:   "settled",
	Short: "Time-tracking settlement engine",
	Long: `settled records worked time, prices it per project, and settles each
month's unsettled sessions into ledger transactions.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the settlement scheduler",
	RunE:  runServe,
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run one settlement pass and exit",
	RunE:  runSettle,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (\":memory:\" for in-memory)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP server port")
	settleCmd.Flags().Int64Var(&tenantID, "tenant", 0, "settle only this tenant")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.ReadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup opens the store and wires the services.
func setup() (*config.Config, *sqlite.Store, *api.Handler, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	handler := api.NewHandler(store, api.Options{
		Location:          cfg.Location(),
		TransactionPrefix: cfg.Settlement.TransactionPrefix,
		ExcludedRoles:     cfg.Settlement.ExcludedRoles,
		Clock:             billing.RealClock{},
		IDs:               billing.UUIDGenerator{},
	}, logger)
	return cfg, store, handler, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, store, handler, logger, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	scheduler := settlement.NewScheduler(store, handler.Orchestrator, logger)
	scheduler.Interval = cfg.Settlement.Interval.Duration
	scheduler.Enabled = cfg.Settlement.Enabled

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	scheduler.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runSettle(cmd *cobra.Command, args []string) error {
	_, store, handler, logger, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	tenants := []billing.TenantID{billing.TenantID(tenantID)}
	if tenantID == 0 {
		if tenants, err = store.Tenants(ctx); err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
	}

	var failed int
	for _, t := range tenants {
		report, err := handler.Orchestrator.Run(ctx, t)
		if err != nil {
			logger.Error("settlement run failed", "tenant_id", t, "error", err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tenant %d %s: %d transactions, %d paid, %d skipped, %d failed\n",
			t, report.Month, len(report.Transactions), report.WorkersPaid, report.WorkersSkipped, report.WorkersFailed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed", failed, len(tenants))
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// sqlite.New applies pending migrations.
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	if err := migrations.CheckStatus(store.DB()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", cfg.Database.Path)
	return nil
}
