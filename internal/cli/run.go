package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/config"
	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/engine"
	"github.com/immigrally/pipeline/internal/mq"
	"github.com/immigrally/pipeline/internal/probe"
	"github.com/immigrally/pipeline/internal/repo"
	"github.com/immigrally/pipeline/internal/runner"
	"github.com/immigrally/pipeline/internal/telemetry"
)

// runFlags — флаги команды run (и schedule).
type runFlags struct {
	file        string
	only        []string
	from        string
	dryRun      bool
	skipProbe   bool
	probeFatal  bool
	metricsAddr string
	timeoutSec  int
}

// NewRunCmd создаёт команду run.
func NewRunCmd(outputFn func() *Output, logger *slog.Logger) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		Long: "Execute the pipeline described by the spec file: validate the stage graph,\n" +
			"run stages in dependency order gated by their preconditions, then smoke-test\n" +
			"the planner API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executePipeline(cmd.Context(), outputFn(), logger, flags)
		},
	}

	addRunFlags(cmd, &flags)
	return cmd
}

// addRunFlags регистрирует общие флаги run/schedule.
func addRunFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringVarP(&flags.file, "file", "f", "configs/pipeline.yaml", "Pipeline spec file")
	cmd.Flags().StringSliceVar(&flags.only, "only", nil, "Run only the listed stages (upstream attested complete)")
	cmd.Flags().StringVar(&flags.from, "from", "", "Run from this stage onward (earlier stages attested complete)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the execution plan without running anything")
	cmd.Flags().BoolVar(&flags.skipProbe, "skip-probe", false, "Skip the post-run health probe")
	cmd.Flags().BoolVar(&flags.probeFatal, "probe-fatal", false, "Treat a failed health probe as a pipeline failure")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address during the run")
	cmd.Flags().IntVar(&flags.timeoutSec, "stage-timeout", 0, "Default stage timeout in seconds")
}

// executePipeline — общий путь выполнения для run и schedule.
func executePipeline(ctx context.Context, out *Output, logger *slog.Logger, flags runFlags) error {
	ctx = telemetry.WithLogger(ctx, logger)
	cfg := config.Load()

	spec, err := engine.Load(flags.file)
	if err != nil {
		return &ExitError{Code: domain.PipelineStatusConfigError.ExitCode(), Msg: err.Error()}
	}

	stageTimeout := config.DefaultStageTimeout
	if flags.timeoutSec > 0 {
		stageTimeout = time.Duration(flags.timeoutSec) * time.Second
	}

	opts := runner.Options{
		Only:         flags.only,
		From:         flags.from,
		StageTimeout: stageTimeout,
	}

	if flags.dryRun {
		r := runner.New(runner.Config{Spec: spec, Logger: logger, Options: opts})
		plan, err := r.Plan()
		if err != nil {
			return &ExitError{Code: domain.PipelineStatusConfigError.ExitCode(), Msg: err.Error()}
		}
		out.Plan(plan)
		return nil
	}

	// Опциональные интеграции: события и история. Недоступность брокера
	// или БД не блокирует прогон.
	events, closeEvents := setupEvents(cfg, logger)
	defer closeEvents()

	r := runner.New(runner.Config{
		Spec:    spec,
		Events:  events,
		Logger:  logger,
		Options: opts,
	})

	if flags.metricsAddr != "" {
		go func() {
			if err := telemetry.ServeMetrics(flags.metricsAddr); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	run, runErr := r.Run(ctx)
	out.Report(run)
	saveHistory(ctx, cfg, run)

	if runErr != nil {
		return &ExitError{Code: run.Status.ExitCode(), Msg: run.Error}
	}

	if !flags.skipProbe && spec.Probe != nil {
		if err := runProbe(ctx, out, logger, cfg, spec, flags.probeFatal); err != nil {
			return err
		}
	}

	return nil
}

// runProbe выполняет post-run smoke test planner API.
//
// Исходный скрипт считал проваленный smoke test мягким warning'ом;
// поведение выбирается явно через probe.failure_fatal или --probe-fatal.
func runProbe(ctx context.Context, out *Output, logger *slog.Logger, cfg config.Config, spec *domain.PipelineSpec, fatalFlag bool) error {
	probeSpec := *spec.Probe
	if probeSpec.BaseURL == "" {
		probeSpec.BaseURL = cfg.PlannerURL
	}

	res := probe.New(&probeSpec, logger).Probe(ctx)
	if res.Healthy {
		out.Success(fmt.Sprintf("probe: healthy (total_goals=%d)", res.TotalGoals))
		return nil
	}

	if probeSpec.FailureFatal || fatalFlag {
		out.Error("probe: " + res.Detail)
		return &ExitError{Code: domain.PipelineStatusAborted.ExitCode(), Msg: "health probe failed: " + res.Detail}
	}

	out.Success("probe: WARNING: " + res.Detail)
	return nil
}

// setupEvents подключает AMQP publisher, если настроен PIPELINE_AMQP_URL.
func setupEvents(cfg config.Config, logger *slog.Logger) (runner.EventSink, func()) {
	if cfg.AMQPURL == "" {
		return nil, func() {}
	}

	conn, err := mq.NewConnection(cfg.AMQPURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, lifecycle events disabled", "error", err)
		return nil, func() {}
	}

	pub, err := mq.NewPublisher(conn, logger)
	if err != nil {
		logger.Warn("failed to setup publisher, lifecycle events disabled", "error", err)
		conn.Close()
		return nil, func() {}
	}

	return pub, func() { conn.Close() }
}

// saveHistory персистит финализированный прогон, если настроен PIPELINE_DB_URL.
func saveHistory(ctx context.Context, cfg config.Config, run *domain.PipelineRun) {
	logger := telemetry.FromContext(ctx)
	if cfg.DatabaseURL == "" {
		return
	}

	pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("history database not available", "error", err)
		return
	}
	defer pool.Close()

	hist := repo.NewHistoryRepo(pool)
	if err := hist.EnsureSchema(ctx); err != nil {
		logger.Warn("failed to ensure history schema", "error", err)
		return
	}
	if err := hist.Save(ctx, run); err != nil {
		logger.Warn("failed to save run history", "error", err)
		return
	}
	logger.Info("run history saved", "run_id", run.ID)
}
