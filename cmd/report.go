package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/observability"
	"github.com/snowmanjy/ai2qa/internal/store"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// errNoDatabase is returned when a command needs persistence but none is configured.
var errNoDatabase = errors.New("database URL is not configured (AI2QA_DATABASE_URL)")

// runStore is the slice of store.Store the commands use.
type runStore interface {
	SaveRun(ctx context.Context, state testrun.RunState) error
	LoadRun(ctx context.Context, runID string) (*testrun.TestRun, error)
	ListRuns(ctx context.Context, status testrun.RunStatus, limit int) ([]store.RunSummary, error)
}

// storeProvider creates a runStore plus a cleanup that releases its connections.
// Tests inject an in-memory provider.
type storeProvider interface {
	Create(ctx context.Context, cfg config.Interface) (runStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the Postgres-backed provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to Postgres, ensures the schema and wraps the pool in a Store.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (runStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, errNoDatabase
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}

// newReportCmd prints a stored run.
func newReportCmd(provider storeProvider) *cobra.Command {
	var outputPath string
	var format string

	reportCmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print the steps, signals and summary of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, provider, args[0], cmd.OutOrStdout(), outputPath, format)
		},
	}

	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", formatText, "Report format: text or json")
	return reportCmd
}

func runReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider, runID string, stdout io.Writer, outputPath, format string) error {
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	run, err := s.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	if outputPath == "" {
		return writeRun(stdout, run, format)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := writeRun(f, run, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Info("Report written", zap.String("run_id", runID), zap.String("path", outputPath))
	return nil
}

// newRunsCmd lists stored runs, newest first.
func newRunsCmd(provider storeProvider) *cobra.Command {
	var status string
	var limit int

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			filter := testrun.RunStatus(strings.ToUpper(strings.TrimSpace(status)))
			if filter != "" && !filter.IsKnown() {
				return fmt.Errorf("unknown status %q", status)
			}

			s, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return err
			}
			if cleanup != nil {
				defer cleanup()
			}

			runs, err := s.ListRuns(ctx, filter, limit)
			if err != nil {
				return err
			}
			return writeRunList(cmd.OutOrStdout(), runs)
		},
	}

	runsCmd.Flags().StringVar(&status, "status", "", "Only list runs in this status (e.g. FAILED)")
	runsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return runsCmd
}
