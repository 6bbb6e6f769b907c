package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/storage/postgres"
)

// errSchemaMissing is returned by 'schema check' when tables are absent.
var errSchemaMissing = errors.New("required tables are missing")

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or create the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Exit non-zero unless job_listings and etl_runs exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSchemaTx(cmd.Context(), func(ctx context.Context, a App, q postgres.Querier) error {
				ok, err := a.Store().TablesExist(ctx, q)
				if err != nil {
					return err
				}
				if !ok {
					return errSchemaMissing
				}
				a.Logger().Info("schema present")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the tables and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSchemaTx(cmd.Context(), func(ctx context.Context, a App, q postgres.Querier) error {
				ok, err := a.Store().TablesExist(ctx, q)
				if err != nil {
					return err
				}
				if ok {
					a.Logger().Info("schema already present")
					return nil
				}
				return a.Store().InitializeSchema(ctx, q)
			})
		},
	})
	return cmd
}

// withSchemaTx runs fn inside a transaction on a fresh connection,
// committing only when fn succeeds.
func withSchemaTx(ctx context.Context, fn func(ctx context.Context, a App, q postgres.Querier) error) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := a.Logger()

	conn, err := a.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if cerr := conn.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close connection", zap.Error(cerr))
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, a, tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
