package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/engine"
	"github.com/immigrally/pipeline/internal/precheck"
	"github.com/immigrally/pipeline/internal/telemetry"
)

// Default configuration values.
const (
	defaultStageTimeout     = 30 * time.Minute
	defaultPrecheckAttempts = 3
	defaultPrecheckDelay    = 2 * time.Second
)

// Options — фильтры и настройки одного прогона.
type Options struct {
	// Only — выполнить только перечисленные stages. Их зависимости вне
	// списка считаются завершёнными: оператор подтверждает, что прошлый
	// прогон их выполнил (паттерн "stages 4-9").
	Only []string

	// From — выполнить stage с этим именем и все объявленные после него.
	// Объявленные раньше считаются завершёнными. Несовместимо с Only.
	From string

	// StageTimeout — таймаут команд для stages без timeout_sec.
	StageTimeout time.Duration

	// PrecheckAttempts — попытки для transient preconditions
	// (service-reachable). Для существования файлов всегда одна попытка.
	PrecheckAttempts int

	// PrecheckDelay — начальная задержка между попытками precondition;
	// удваивается с каждой попыткой.
	PrecheckDelay time.Duration
}

// EventSink получает события жизненного цикла прогона.
//
// Реализуется mq.Publisher; nil отключает публикацию. События best-effort:
// ошибки публикации не влияют на прогон.
type EventSink interface {
	RunStarted(ctx context.Context, run *domain.PipelineRun)
	StageFinished(ctx context.Context, run *domain.PipelineRun, rec *domain.RunRecord)
	RunFinished(ctx context.Context, run *domain.PipelineRun)
}

// Runner выполняет прогон пайплайна.
//
// Машина состояний: INITIALIZING → VALIDATING → EXECUTING →
// {COMPLETED, ABORTED, PRECONDITION_FAILED}; ошибка валидации графа
// финализирует прогон как CONFIG_ERROR до запуска какой-либо команды.
//
// Stages выполняются последовательно в порядке зависимостей; участники
// одной parallel group — конкурентно до общего join-барьера. Runner
// эксклюзивно владеет PipelineRun и его records.
type Runner struct {
	spec    *domain.PipelineSpec
	exec    Executor
	checker *precheck.Checker
	events  EventSink
	logger  *slog.Logger
	opts    Options
}

// Config — конфигурация Runner.
type Config struct {
	// Spec — спецификация пайплайна (обязательно).
	Spec *domain.PipelineSpec

	// Executor — исполнитель команд stage. Default: CommandExecutor.
	Executor Executor

	// Checker — проверка preconditions. Default: precheck.New().
	Checker *precheck.Checker

	// Events — приёмник событий жизненного цикла (опционально).
	Events EventSink

	// Logger — логгер. Default: slog.Default().
	Logger *slog.Logger

	// Options — фильтры и настройки прогона.
	Options Options
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	opts := cfg.Options
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	if opts.PrecheckAttempts <= 0 {
		opts.PrecheckAttempts = defaultPrecheckAttempts
	}
	if opts.PrecheckDelay <= 0 {
		opts.PrecheckDelay = defaultPrecheckDelay
	}

	execer := cfg.Executor
	if execer == nil {
		execer = NewCommandExecutor(opts.StageTimeout)
	}

	checker := cfg.Checker
	if checker == nil {
		checker = precheck.New()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		spec:    cfg.Spec,
		exec:    execer,
		checker: checker,
		events:  cfg.Events,
		logger:  logger,
		opts:    opts,
	}
}

// Run выполняет прогон и возвращает его запись.
//
// PipelineRun возвращается и при ошибке: в нём терминальные статусы всех
// stages и точная причина остановки. Ошибка различает ErrConfiguration,
// ErrPreconditionFailed, ErrExecutionFailed и ErrCancelled.
func (r *Runner) Run(ctx context.Context) (*domain.PipelineRun, error) {
	run := domain.NewPipelineRun(r.spec.Name)
	logger := telemetry.WithRunID(r.logger, run.ID.String())

	run.Status = domain.PipelineStatusValidating
	graph, err := engine.Build(r.spec)
	if err != nil {
		run.Finalize(domain.PipelineStatusConfigError, err.Error())
		telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		return run, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	selected, attested, err := r.applyFilters(graph)
	if err != nil {
		run.Finalize(domain.PipelineStatusConfigError, err.Error())
		telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		return run, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	st := newRunState(run, graph, attested)
	run.Status = domain.PipelineStatusExecuting
	logger.Info("run started", "pipeline", r.spec.Name, "stages", len(selected))
	if r.events != nil {
		r.events.RunStarted(ctx, run)
	}

	for {
		if ctx.Err() != nil {
			return r.finalize(ctx, st, selected, domain.PipelineStatusAborted,
				"run cancelled by operator", ErrCancelled)
		}

		ready := filterNodes(st.ready(), selected)
		if len(ready) == 0 {
			if r.allDone(st, selected) {
				break
			}
			return r.finalize(ctx, st, selected, domain.PipelineStatusAborted,
				ErrStalled.Error(), ErrStalled)
		}

		batch := nextBatch(ready)
		status, msg, abortErr := r.executeBatch(ctx, st, logger, batch)
		if abortErr != nil {
			return r.finalize(ctx, st, selected, status, msg, abortErr)
		}
	}

	// Все selected stages терминальны. Упавшие non-fatal stages всё равно
	// означают небезуспешный прогон.
	if st.hasFailed() {
		return r.finalize(ctx, st, selected, domain.PipelineStatusAborted,
			"one or more stages failed", ErrExecutionFailed)
	}

	return r.finalize(ctx, st, selected, domain.PipelineStatusCompleted, "", nil)
}

// Plan возвращает порядок выполнения пакетами (для --dry-run).
// Внешние команды и preconditions не трогаются.
func (r *Runner) Plan() ([][]string, error) {
	graph, err := engine.Build(r.spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	selected, attested, err := r.applyFilters(graph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	completed := make(map[string]bool, len(attested))
	for name := range attested {
		completed[name] = true
	}

	var plan [][]string
	done := len(attested)
	for done < graph.Size() {
		ready := filterNodes(graph.ReadyStages(completed, nil, nil), selected)
		if len(ready) == 0 {
			break
		}
		batch := nextBatch(ready)
		names := make([]string, len(batch))
		for i, node := range batch {
			names[i] = node.Name
			completed[node.Name] = true
		}
		done += len(batch)
		plan = append(plan, names)
	}
	return plan, nil
}

// applyFilters вычисляет выполняемое подмножество stages.
//
// selected — stages, которые будут выполнены; attested — stages, которые
// считаются завершёнными без выполнения (оператор подтверждает, что их
// сделал прошлый прогон).
func (r *Runner) applyFilters(graph *engine.Graph) (selected, attested map[string]bool, err error) {
	selected = make(map[string]bool)
	attested = make(map[string]bool)

	switch {
	case len(r.opts.Only) > 0 && r.opts.From != "":
		return nil, nil, fmt.Errorf("only and from filters are mutually exclusive")

	case len(r.opts.Only) > 0:
		for _, name := range r.opts.Only {
			if graph.Node(name) == nil {
				return nil, nil, fmt.Errorf("%w: %s", engine.ErrUnknownStage, name)
			}
			selected[name] = true
		}
		// Зависимости вне подмножества — attested; внутри — выполняются
		// в объявленном порядке.
		for name := range selected {
			for _, dep := range graph.Node(name).DependsOn {
				markAttested(graph, dep, selected, attested)
			}
		}

	case r.opts.From != "":
		from := graph.Node(r.opts.From)
		if from == nil {
			return nil, nil, fmt.Errorf("%w: %s", engine.ErrUnknownStage, r.opts.From)
		}
		for _, node := range graph.Order {
			if node.Index >= from.Index {
				selected[node.Name] = true
			} else {
				attested[node.Name] = true
			}
		}

	default:
		for _, node := range graph.Order {
			selected[node.Name] = true
		}
	}

	// Subset re-run: оператор повторно запускает stages после частичного
	// успеха; stage без idempotent=true может быть небезопасно повторять.
	if len(r.opts.Only) > 0 || r.opts.From != "" {
		for _, node := range graph.Order {
			if selected[node.Name] && !node.Stage.Idempotent {
				r.logger.Warn("re-running stage not marked idempotent", "stage", node.Name)
			}
		}
	}

	return selected, attested, nil
}

// markAttested помечает узел и его предков завершёнными без выполнения.
func markAttested(graph *engine.Graph, node *engine.Node, selected, attested map[string]bool) {
	if selected[node.Name] || attested[node.Name] {
		return
	}
	attested[node.Name] = true
	for _, dep := range node.DependsOn {
		markAttested(graph, dep, selected, attested)
	}
}

// executeBatch выполняет один пакет: одиночный stage или parallel group.
//
// Возвращает статус и причину для немедленного прерывания прогона;
// (_, _, nil) — прогон продолжается.
func (r *Runner) executeBatch(ctx context.Context, st *runState, logger *slog.Logger, batch []*engine.Node) (domain.PipelineStatus, string, error) {
	if len(batch) == 1 {
		node := batch[0]
		rec := st.selectStage(node.Name)
		r.runStage(ctx, st, logger, node, rec)
		return r.applyStagePolicy(st, node, rec)
	}
	return r.executeGroup(ctx, st, logger, batch)
}

// executeGroup конкурентно выполняет участников parallel group.
//
// Join-барьер: следующий пакет не вычисляется, пока каждый участник не
// достигнет терминального состояния. При group_policy=abort первое падение
// отменяет контекст группы; убитые этим участники помечаются SKIPPED.
func (r *Runner) executeGroup(ctx context.Context, st *runState, logger *slog.Logger, batch []*engine.Node) (domain.PipelineStatus, string, error) {
	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	policy := r.spec.ResolvedGroupPolicy()
	group := batch[0].Stage.Group
	logger.Info("group started", "group", group, "members", len(batch), "policy", policy)

	// Records создаются до запуска горутин: порядок добавления — порядок
	// выбора, не порядок завершения.
	recs := make([]*domain.RunRecord, len(batch))
	for i, node := range batch {
		recs[i] = st.selectStage(node.Name)
	}

	var wg sync.WaitGroup
	for i, node := range batch {
		wg.Add(1)
		go func(node *engine.Node, rec *domain.RunRecord) {
			defer wg.Done()
			r.runStage(groupCtx, st, logger, node, rec)
			if rec.Status == domain.StageStatusFailed && policy == domain.GroupPolicyAbort {
				cancelGroup()
			}
		}(node, recs[i])
	}
	wg.Wait()

	// Участники, убитые отменой группы (а не собственным таймаутом),
	// переводятся из FAILED в SKIPPED: упали не они.
	if ctx.Err() == nil && groupCtx.Err() != nil {
		for _, rec := range recs {
			if rec.Status == domain.StageStatusFailed && rec.Reason == cancelledReason {
				st.remarkSkipped(rec.Stage)
				rec.Status = domain.StageStatusSkipped
				rec.Reason = fmt.Sprintf("group %s aborted by sibling failure", group)
			}
		}
	}

	// После барьера применяем политики к реально упавшим участникам.
	for i, node := range batch {
		status, msg, err := r.applyStagePolicy(st, node, recs[i])
		if err != nil {
			if policy == domain.GroupPolicyFinishGroup && err == ErrExecutionFailed {
				// finish-group: помечаем потомков упавшего участника
				// SKIPPED и продолжаем; итог финализируется в конце.
				st.skipDescendants(node.Name)
				continue
			}
			return status, msg, err
		}
	}

	return "", "", nil
}

// cancelledReason — причина записи для stages, остановленных отменой
// контекста: убитая команда или прерванное ожидание precondition.
const cancelledReason = "cancelled"

// runStage выполняет один stage: preconditions, затем внешняя команда.
// Терминальный статус фиксируется в записи и состоянии прогона.
func (r *Runner) runStage(ctx context.Context, st *runState, logger *slog.Logger, node *engine.Node, rec *domain.RunRecord) {
	stage := node.Stage
	stageLog := telemetry.WithStage(logger, stage.Name)

	// Preconditions проверяются непосредственно перед запуском.
	for i := range stage.Preconditions {
		pre := &stage.Preconditions[i]
		reason, err := r.checkPrecondition(ctx, pre)
		if err == nil {
			continue
		}
		// Отмена во время ожидания retry — не неудовлетворённый
		// precondition: stage остановлен прогоном, не своим окружением.
		if errors.Is(err, ErrCancelled) {
			rec.MarkFailed(cancelledReason, -1, "")
			r.finish(ctx, st, rec)
			return
		}
		stageLog.Error("precondition unsatisfied", "kind", pre.Kind, "target", pre.Target, "reason", reason)
		telemetry.PreconditionFailures.WithLabelValues(pre.Kind).Inc()
		rec.MarkFailed("precondition unsatisfied: "+reason, -1, "")
		r.finish(ctx, st, rec)
		return
	}

	rec.MarkRunning()
	stageLog.Info("stage started", "program", stage.Command.Program)

	result, err := r.exec.Execute(ctx, stage)
	switch {
	case err != nil:
		rec.MarkFailed(fmt.Sprintf("command failed to start: %v", err), -1, "")

	case result.TimedOut:
		rec.MarkFailed(fmt.Sprintf("timeout after %s", stage.Timeout(r.opts.StageTimeout)), -1, result.Output)

	case result.ExitCode == -1:
		rec.MarkFailed(cancelledReason, -1, result.Output)

	case result.ExitCode != 0:
		rec.MarkFailed(fmt.Sprintf("exit code %d", result.ExitCode), result.ExitCode, result.Output)

	default:
		rec.MarkSucceeded(result.Output)
	}

	if rec.Status == domain.StageStatusSucceeded {
		stageLog.Info("stage succeeded", "duration", rec.Duration())
	} else {
		stageLog.Error("stage failed", "reason", rec.Reason, "exit_code", rec.ExitCode)
	}
	r.finish(ctx, st, rec)
}

// finish фиксирует терминальный статус записи в состоянии прогона.
func (r *Runner) finish(ctx context.Context, st *runState, rec *domain.RunRecord) {
	st.finishStage(rec.Stage, rec.Status)
	telemetry.ObserveStage(rec.Stage, string(rec.Status), rec.Duration())
	if r.events != nil {
		r.events.StageFinished(ctx, st.run, rec)
	}
}

// checkPrecondition проверяет precondition с retry для transient видов.
// Retry-политика живёт здесь, не в checker'е: каждая попытка — один probe.
//
// Возвращает nil (satisfied), ErrCancelled (контекст отменён во время
// ожидания) или ErrPreconditionFailed с причиной последней попытки.
func (r *Runner) checkPrecondition(ctx context.Context, pre *domain.PreconditionDef) (reason string, err error) {
	attempts := 1
	if precheck.Transient(pre) {
		attempts = r.opts.PrecheckAttempts
	}

	delay := r.opts.PrecheckDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ErrCancelled
			case <-time.After(delay):
			}
			delay *= 2
		}

		res := r.checker.Check(ctx, pre)
		if res.Satisfied {
			return "", nil
		}
		reason = res.Reason
	}
	return reason, ErrPreconditionFailed
}

// applyStagePolicy применяет политику обработки ошибок завершённого stage.
func (r *Runner) applyStagePolicy(st *runState, node *engine.Node, rec *domain.RunRecord) (domain.PipelineStatus, string, error) {
	if rec.Status != domain.StageStatusFailed {
		return "", "", nil
	}

	// Stage остановлен отменой прогона, не собственной ошибкой: ABORTED
	// независимо от политики stage. Участники группы, убитые отменой
	// группы, к этому моменту уже переведены в SKIPPED.
	if rec.Reason == cancelledReason {
		return domain.PipelineStatusAborted,
			fmt.Sprintf("stage %s: %s", node.Name, cancelledReason), ErrCancelled
	}

	if node.Stage.FailurePolicy() == domain.FailurePolicySkipDescendants {
		st.skipDescendants(node.Name)
		return "", "", nil
	}

	// fatal (default): прерываем прогон немедленно. Эффекты уже успешных
	// stages остаются как есть — компенсирующий откат чужих side effects
	// не выполняется.
	msg := fmt.Sprintf("stage %s: %s", node.Name, rec.Reason)
	if rec.ExitCode == -1 && rec.StartedAt == nil {
		return domain.PipelineStatusPreconditionFailed, msg, ErrPreconditionFailed
	}
	return domain.PipelineStatusAborted, msg, ErrExecutionFailed
}

// finalize завершает прогон: невыполненные stages получают записи SKIPPED,
// чтобы отчёт перечислял терминальный статус каждого stage.
func (r *Runner) finalize(ctx context.Context, st *runState, selected map[string]bool, status domain.PipelineStatus, msg string, err error) (*domain.PipelineRun, error) {
	for _, node := range st.graph.Order {
		if selected[node.Name] && !st.isTerminal(node.Name) {
			reason := "pipeline aborted before stage was reached"
			if err == ErrCancelled {
				reason = "run cancelled before stage was reached"
			}
			st.skip(node.Name, reason)
		}
	}

	st.run.Finalize(status, msg)
	telemetry.RunsTotal.WithLabelValues(string(status)).Inc()

	logger := telemetry.WithRunID(r.logger, st.run.ID.String())
	if err != nil {
		logger.Error("run finished", "status", status, "error", msg)
	} else {
		logger.Info("run finished", "status", status, "duration", st.run.Duration())
	}

	if r.events != nil {
		r.events.RunFinished(ctx, st.run)
	}
	if err != nil {
		return st.run, fmt.Errorf("%w: %s", err, msg)
	}
	return st.run, nil
}

// allDone возвращает true, если каждый selected stage терминален.
func (r *Runner) allDone(st *runState, selected map[string]bool) bool {
	for name := range selected {
		if !st.isTerminal(name) {
			return false
		}
	}
	return true
}

// filterNodes оставляет только узлы из selected.
func filterNodes(nodes []*engine.Node, selected map[string]bool) []*engine.Node {
	out := nodes[:0:0]
	for _, node := range nodes {
		if selected[node.Name] {
			out = append(out, node)
		}
	}
	return out
}

// nextBatch выбирает следующий пакет: первый готовый stage, а для stage
// с group — всех готовых участников той же группы.
func nextBatch(ready []*engine.Node) []*engine.Node {
	first := ready[0]
	if first.Stage.Group == "" {
		return ready[:1]
	}

	batch := make([]*engine.Node, 0, len(ready))
	for _, node := range ready {
		if node.Stage.Group == first.Stage.Group {
			batch = append(batch, node)
		}
	}
	return batch
}
