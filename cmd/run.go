package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const metricsPushTimeout = 10 * time.Second

// newRunCmd creates the 'run' subcommand. The root command runs the same
// action when invoked without a subcommand.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ETL pass",
		Long: `Fetches up to max_pages of search results, filters them to the target
location and upserts the matches. Exits non-zero when the run fails or
processes nothing.`,
		RunE: runETLCommand,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", false, "fetch and transform without touching the database")
	cmd.Flags().Int("max-pages", 0, "override the page limit")
}

func runETLCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	p, err := appInstance.Pipeline()
	if err != nil {
		return err
	}

	summary, runErr := p.Run(cmd.Context())

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), metricsPushTimeout)
	defer cancel()
	appInstance.PushMetrics(pushCtx)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("etl run interrupted", zap.Error(runErr))
		}
		return runErr
	}
	if summary.ExitCode() != 0 {
		logger.Warn("etl run finished without processing any records",
			zap.String("run_id", summary.RunID.String()),
			zap.String("status", string(summary.Status)),
		)
		return errRunUnsuccessful
	}
	return nil
}
