package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	cfg    *config.Config
	logger ectologger.Logger

	checkTenant      string
	checkEnvironment string
	checkProbe       bool

	rootCmd = &cobra.Command{
		Use:           "fern",
		Short:         "API availability and health monitoring for tenant integrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logger, err = newLogger(cfg)
			return err
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the status API, the queue workers and the refresh scheduler",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		RunE:  runMigrate,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Print a tenant's integration statuses and capabilities as JSON",
		RunE:  runCheck,
	}
)

func init() {
	checkCmd.Flags().StringVar(&checkTenant, "tenant", "", "tenant to check (required)")
	checkCmd.Flags().StringVar(&checkEnvironment, "environment", "", "credential environment, defaults to STATUS_ENVIRONMENT")
	checkCmd.Flags().BoolVar(&checkProbe, "probe", true, "probe every integration before reporting")
	_ = checkCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(serveCmd, migrateCmd, checkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fern:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build(zap.Fields(zap.String("app", cfg.AppName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(cmd.Context())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.WithoutCancel(cmd.Context()))

	if err := a.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	var environment models.Environment
	if checkEnvironment != "" {
		env, err := models.ParseEnvironment(checkEnvironment)
		if err != nil {
			return err
		}
		environment = env
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.WithoutCancel(ctx))

	if err := a.Connect(ctx); err != nil {
		return err
	}

	report := a.CheckTenant(ctx, checkTenant, environment, checkProbe)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
