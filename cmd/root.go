// Package cmd defines the CLI commands for the usajobs-etl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/app"
	"github.com/JakeFAU/usajobs-etl/internal/config"
	"github.com/JakeFAU/usajobs-etl/internal/logging"
	"github.com/JakeFAU/usajobs-etl/internal/pipeline"
	"github.com/JakeFAU/usajobs-etl/internal/storage/postgres"
)

// errRunUnsuccessful marks a run that completed without error but should
// still exit non-zero.
var errRunUnsuccessful = errors.New("etl run did not succeed")

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	holderKey appKeyType = "app-holder"
)

// App is what the subcommands need from the service container.
type App interface {
	Close()
	Logger() *zap.Logger
	Store() *postgres.ListingStore
	Connect(ctx context.Context) (pipeline.Conn, error)
	Pipeline() (*pipeline.Pipeline, error)
	PushMetrics(ctx context.Context)
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// appHolder lets execute close the App even when a command fails, since
// cobra skips post-run hooks after an error.
type appHolder struct {
	app App
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "usajobs-etl",
		Short: "Load USAJobs listings for a target location into Postgres.",
		Long: `usajobs-etl searches the USAJobs API, keeps listings located in the
configured target city, and upserts them into Postgres. Each run is recorded
in the etl_runs table.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config and services are built here so every subcommand shares them.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			logger.Info("configuration loaded",
				zap.String("api_key", cfg.MaskedAPIKey()),
				zap.String("keyword", cfg.API.Keyword),
				zap.String("target", cfg.Location.Target),
				zap.Bool("dry_run", cfg.Run.DryRun),
			)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if h, ok := cmd.Context().Value(holderKey).(*appHolder); ok {
				h.app = appInstance
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		RunE: runETLCommand,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	addRunFlags(cmd)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// resolveApp pulls the service container placed in the context by the root command.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	holder := &appHolder{}
	err := cmd.ExecuteContext(context.WithValue(ctx, holderKey, holder))
	if holder.app != nil {
		holder.app.Close()
	}
	if err != nil {
		if !errors.Is(err, errRunUnsuccessful) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
