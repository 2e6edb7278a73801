// pipectl — оркестратор пайплайна Immigrally planner.
//
// Последовательность: настройка Neo4j онтологии, извлечение документов,
// маппинг целей и решений, дедупликация (stages 1–9), контроль качества —
// каждый шаг живёт в своём sibling-репозитории и вызывается как внешняя
// команда. После прогона выполняется smoke test roadmap API.
//
// Использование:
//
//	pipectl [--json] <command> [flags]
//
// Команды:
//
//	run       Выполнить пайплайн
//	validate  Проверить граф stages без выполнения
//	probe     Smoke test planner API
//	history   История прогонов (Postgres)
//	schedule  Периодические прогоны по cron
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/cli"
	"github.com/immigrally/pipeline/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	logger := telemetry.SetupLogger()

	// graceful shutdown: interrupt прекращает выдачу новых stages и
	// мягко завершает выполняющуюся команду.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "pipectl",
		Short:         "pipectl — Immigrally planner pipeline orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(outputFn, logger),
		cli.NewValidateCmd(outputFn),
		cli.NewProbeCmd(outputFn, logger),
		cli.NewHistoryCmd(outputFn),
		cli.NewScheduleCmd(outputFn, logger),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
