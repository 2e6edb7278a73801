package cli

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/scheduler"
)

// NewScheduleCmd создаёт команду schedule: периодические прогоны по cron.
//
// Выполняется в foreground на одной машине (например, ночной полный
// пересчёт пайплайна); остановка — обычный interrupt.
func NewScheduleCmd(outputFn func() *Output, logger *slog.Logger) *cobra.Command {
	var flags runFlags
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline repeatedly on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if err := scheduler.Validate(cronExpr); err != nil {
				return &ExitError{Code: domain.PipelineStatusConfigError.ExitCode(), Msg: err.Error()}
			}

			ctx := cmd.Context()
			for {
				next, err := scheduler.Next(cronExpr, time.Now())
				if err != nil {
					return err
				}
				logger.Info("next scheduled run", "at", next)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Until(next)):
				}

				if err := executePipeline(ctx, out, logger, flags); err != nil {
					// Расписание переживает неуспешные прогоны; причина
					// уже в отчёте и логах.
					var exitErr *ExitError
					if errors.As(err, &exitErr) {
						logger.Error("scheduled run failed", "error", exitErr.Msg, "code", exitErr.Code)
					} else {
						logger.Error("scheduled run failed", "error", err)
					}
				}
			}
		},
	}

	addRunFlags(cmd, &flags)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (five fields)")
	cmd.MarkFlagRequired("cron")
	return cmd
}
