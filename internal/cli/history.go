package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/config"
	"github.com/immigrally/pipeline/internal/repo"
)

// NewHistoryCmd создаёт группу команд для истории прогонов.
func NewHistoryCmd(outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted pipeline runs (requires PIPELINE_DB_URL)",
	}

	cmd.AddCommand(
		newHistoryListCmd(outputFn),
		newHistoryShowCmd(outputFn),
	)
	return cmd
}

func newHistoryListCmd(outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			hist, closeFn, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := hist.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "PIPELINE", "STATUS", "STARTED", "DURATION"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID.String(), r.Pipeline, string(r.Status),
					r.StartedAt.Format(time.RFC3339), formatDuration(r.Duration()),
				}
			}
			out.Table(headers, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newHistoryShowCmd(outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			hist, closeFn, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := hist.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}

			out.Report(run)
			return nil
		},
	}
	return cmd
}

// openHistory открывает репозиторий истории из PIPELINE_DB_URL.
func openHistory(cmd *cobra.Command) (*repo.HistoryRepo, func(), error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("history requires PIPELINE_DB_URL to be set")
	}

	pool, err := repo.NewPool(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repo.NewHistoryRepo(pool), pool.Close, nil
}
