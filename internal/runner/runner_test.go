package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
)

// fakeExecutor подменяет внешние команды в тестах: фиксирует порядок
// вызовов и возвращает подготовленный результат для каждого stage.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	handlers map[string]func(ctx context.Context) (*ExecResult, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handlers: make(map[string]func(ctx context.Context) (*ExecResult, error))}
}

func (f *fakeExecutor) Execute(ctx context.Context, stage *domain.StageDef) (*ExecResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, stage.Name)
	f.mu.Unlock()

	if h, ok := f.handlers[stage.Name]; ok {
		return h(ctx)
	}
	return &ExecResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// failWith возвращает handler с фиксированным кодом выхода.
func failWith(code int) func(ctx context.Context) (*ExecResult, error) {
	return func(ctx context.Context) (*ExecResult, error) {
		return &ExecResult{ExitCode: code, Output: "boom"}, nil
	}
}

// blockUntilCancelled имитирует команду, убитую отменой контекста.
func blockUntilCancelled(ctx context.Context) (*ExecResult, error) {
	<-ctx.Done()
	return &ExecResult{ExitCode: -1}, nil
}

func stageDef(name string, deps ...string) domain.StageDef {
	return domain.StageDef{
		Name:      name,
		Command:   domain.CommandSpec{Program: "true"},
		DependsOn: deps,
	}
}

func groupStage(name, group string, deps ...string) domain.StageDef {
	s := stageDef(name, deps...)
	s.Group = group
	return s
}

func newTestRunner(spec *domain.PipelineSpec, exec Executor, opts Options) *Runner {
	return New(Config{Spec: spec, Executor: exec, Options: opts})
}

func TestRun_ChainCompleted(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}
	exec := newFakeExecutor()

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != domain.PipelineStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", run.Status)
	}
	if run.Status.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", run.Status.ExitCode())
	}

	// Последовательное выполнение в порядке зависимостей
	calls := exec.calls()
	if len(calls) != 3 || calls[0] != "A" || calls[1] != "B" || calls[2] != "C" {
		t.Errorf("expected [A B C], got %v", calls)
	}

	for _, name := range []string{"A", "B", "C"} {
		rec := run.Record(name)
		if rec == nil || rec.Status != domain.StageStatusSucceeded {
			t.Errorf("stage %s should be SUCCEEDED, got %+v", name, rec)
		}
	}
	if run.FinishedAt == nil {
		t.Error("run should have a finish time")
	}
}

func TestRun_ConfigErrorBeforeExecution(t *testing.T) {
	// Forward-ссылка: граф невалиден, ни одна команда не должна запуститься.
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A", "B"), stageDef("B")},
	}
	exec := newFakeExecutor()

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}

	if run.Status != domain.PipelineStatusConfigError {
		t.Errorf("status = %s, want CONFIG_ERROR", run.Status)
	}
	if run.Status.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", run.Status.ExitCode())
	}
	if len(exec.calls()) != 0 {
		t.Errorf("no commands should run on config error, got %v", exec.calls())
	}
}

func TestRun_FatalStageAbortsRun(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}
	exec := newFakeExecutor()
	exec.handlers["B"] = failWith(1)

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}
	if run.Status.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", run.Status.ExitCode())
	}

	// C не должен запускаться, но получает запись SKIPPED
	for _, name := range exec.calls() {
		if name == "C" {
			t.Error("C should never be invoked after B fails")
		}
	}
	recC := run.Record("C")
	if recC == nil || recC.Status != domain.StageStatusSkipped {
		t.Fatalf("C should be SKIPPED, got %+v", recC)
	}
	if recC.Reason == "" {
		t.Error("skipped record should carry a reason")
	}

	recB := run.Record("B")
	if recB.Status != domain.StageStatusFailed || recB.ExitCode != 1 {
		t.Errorf("B should be FAILED with exit code 1, got %+v", recB)
	}
}

func TestRun_SkipDescendantsPolicy(t *testing.T) {
	// B падает с on_failure=skip-descendants: C пропускается,
	// независимый D выполняется, итог всё равно ABORTED.
	b := stageDef("B", "A")
	b.OnFailure = domain.FailurePolicySkipDescendants
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), b, stageDef("C", "B"), stageDef("D", "A")},
	}
	exec := newFakeExecutor()
	exec.handlers["B"] = failWith(2)

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}

	recC := run.Record("C")
	if recC == nil || recC.Status != domain.StageStatusSkipped {
		t.Errorf("C should be SKIPPED, got %+v", recC)
	}
	if recC != nil && !strings.Contains(recC.Reason, "B") {
		t.Errorf("skip reason should name the failed upstream stage, got %q", recC.Reason)
	}

	recD := run.Record("D")
	if recD == nil || recD.Status != domain.StageStatusSucceeded {
		t.Errorf("independent D should still run to SUCCEEDED, got %+v", recD)
	}
}

func TestRun_PreconditionFailureFatal(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name: "test",
		Stages: []domain.StageDef{
			{
				Name:    "A",
				Command: domain.CommandSpec{Program: "true"},
				Preconditions: []domain.PreconditionDef{
					{Kind: domain.PreconditionDirExists, Target: t.TempDir() + "/missing"},
				},
			},
			stageDef("B", "A"),
		},
	}
	exec := newFakeExecutor()

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}

	if run.Status != domain.PipelineStatusPreconditionFailed {
		t.Errorf("status = %s, want PRECONDITION_FAILED", run.Status)
	}
	if run.Status.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", run.Status.ExitCode())
	}

	// Команда stage не запускалась
	if len(exec.calls()) != 0 {
		t.Errorf("no commands should run, got %v", exec.calls())
	}

	recA := run.Record("A")
	if recA.Status != domain.StageStatusFailed || recA.StartedAt != nil {
		t.Errorf("A should be FAILED without a start time, got %+v", recA)
	}
	if !strings.Contains(recA.Reason, "missing") {
		t.Errorf("reason should name the missing artifact, got %q", recA.Reason)
	}
}

func TestRun_OnlyFilter(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}
	exec := newFakeExecutor()

	run, err := newTestRunner(spec, exec, Options{Only: []string{"C"}}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Зависимости вне подмножества считаются завершёнными и не выполняются
	calls := exec.calls()
	if len(calls) != 1 || calls[0] != "C" {
		t.Errorf("expected only C to run, got %v", calls)
	}
	if run.Status != domain.PipelineStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", run.Status)
	}
	// Отчёт покрывает только выбранные stages
	if len(run.Records) != 1 || run.Records[0].Stage != "C" {
		t.Errorf("report should cover only selected stages, got %d records", len(run.Records))
	}
}

func TestRun_OnlySubsetKeepsInternalOrder(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}
	exec := newFakeExecutor()

	// B и C внутри подмножества: B выполняется раньше C
	_, err := newTestRunner(spec, exec, Options{Only: []string{"C", "B"}}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := exec.calls()
	if len(calls) != 2 || calls[0] != "B" || calls[1] != "C" {
		t.Errorf("expected [B C], got %v", calls)
	}
}

func TestRun_FromFilter(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}
	exec := newFakeExecutor()

	_, err := newTestRunner(spec, exec, Options{From: "B"}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := exec.calls()
	if len(calls) != 2 || calls[0] != "B" || calls[1] != "C" {
		t.Errorf("expected [B C], got %v", calls)
	}
}

func TestRun_FilterErrors(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A")},
	}

	// Неизвестный stage в фильтре
	run, err := newTestRunner(spec, newFakeExecutor(), Options{Only: []string{"ghost"}}).Run(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown stage, got %v", err)
	}
	if run.Status != domain.PipelineStatusConfigError {
		t.Errorf("status = %s, want CONFIG_ERROR", run.Status)
	}

	// Only и From несовместимы
	_, err = newTestRunner(spec, newFakeExecutor(), Options{Only: []string{"A"}, From: "A"}).Run(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for only+from, got %v", err)
	}
}

func TestRun_GroupAbortPolicy(t *testing.T) {
	// A → {B, C} одной группой; B падает, C убивается отменой группы.
	spec := &domain.PipelineSpec{
		Name:        "test",
		GroupPolicy: domain.GroupPolicyAbort,
		Stages: []domain.StageDef{
			stageDef("A"),
			groupStage("B", "batch", "A"),
			groupStage("C", "batch", "A"),
			stageDef("D", "B", "C"),
		},
	}
	exec := newFakeExecutor()
	exec.handlers["B"] = failWith(1)
	exec.handlers["C"] = blockUntilCancelled

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}

	// C остановлен не своей ошибкой: SKIPPED, не FAILED
	recC := run.Record("C")
	if recC == nil || recC.Status != domain.StageStatusSkipped {
		t.Fatalf("C should be SKIPPED after group abort, got %+v", recC)
	}
	if !strings.Contains(recC.Reason, "batch") {
		t.Errorf("reason should name the group, got %q", recC.Reason)
	}

	recD := run.Record("D")
	if recD == nil || recD.Status != domain.StageStatusSkipped {
		t.Errorf("D should be SKIPPED, got %+v", recD)
	}
}

func TestRun_GroupFinishPolicy(t *testing.T) {
	// finish-group: группа доигрывается, C успевает завершиться успешно,
	// потомки упавшего B пропускаются, потомки C выполняются.
	spec := &domain.PipelineSpec{
		Name:        "test",
		GroupPolicy: domain.GroupPolicyFinishGroup,
		Stages: []domain.StageDef{
			stageDef("A"),
			groupStage("B", "batch", "A"),
			groupStage("C", "batch", "A"),
			stageDef("D", "B"),
			stageDef("E", "C"),
		},
	}
	exec := newFakeExecutor()
	exec.handlers["B"] = failWith(1)

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	// Прогон с упавшим участником всё равно небезуспешен
	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}

	if rec := run.Record("C"); rec == nil || rec.Status != domain.StageStatusSucceeded {
		t.Errorf("C should run to SUCCEEDED under finish-group, got %+v", rec)
	}
	if rec := run.Record("D"); rec == nil || rec.Status != domain.StageStatusSkipped {
		t.Errorf("D (descendant of failed B) should be SKIPPED, got %+v", rec)
	}
	if rec := run.Record("E"); rec == nil || rec.Status != domain.StageStatusSucceeded {
		t.Errorf("E (descendant of C) should be SUCCEEDED, got %+v", rec)
	}
}

func TestRun_GroupMembersRunConcurrently(t *testing.T) {
	// Оба участника группы должны быть запущены до join-барьера:
	// каждый ждёт сигнала от другого.
	spec := &domain.PipelineSpec{
		Name: "test",
		Stages: []domain.StageDef{
			groupStage("B", "batch"),
			groupStage("C", "batch"),
		},
	}

	bStarted := make(chan struct{})
	cStarted := make(chan struct{})
	exec := newFakeExecutor()
	exec.handlers["B"] = func(ctx context.Context) (*ExecResult, error) {
		close(bStarted)
		select {
		case <-cStarted:
			return &ExecResult{ExitCode: 0}, nil
		case <-time.After(5 * time.Second):
			return &ExecResult{ExitCode: 1, Output: "peer never started"}, nil
		}
	}
	exec.handlers["C"] = func(ctx context.Context) (*ExecResult, error) {
		close(cStarted)
		select {
		case <-bStarted:
			return &ExecResult{ExitCode: 0}, nil
		case <-time.After(5 * time.Second):
			return &ExecResult{ExitCode: 1, Output: "peer never started"}, nil
		}
	}

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != domain.PipelineStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", run.Status)
	}
}

func TestRun_Cancelled(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := newTestRunner(spec, newFakeExecutor(), Options{}).Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}

	// Невыполненные stages получают записи SKIPPED с причиной отмены
	for _, name := range []string{"A", "B"} {
		rec := run.Record(name)
		if rec == nil || rec.Status != domain.StageStatusSkipped {
			t.Errorf("%s should be SKIPPED, got %+v", name, rec)
		}
	}
}

func TestRun_CancelDuringPreconditionRetry(t *testing.T) {
	// Отмена, пришедшая во время retry-ожидания transient precondition —
	// это прерывание прогона, не неудовлетворённый precondition:
	// итог ABORTED (exit 1), не PRECONDITION_FAILED (exit 3).
	spec := &domain.PipelineSpec{
		Name: "test",
		Stages: []domain.StageDef{
			{
				Name:    "A",
				Command: domain.CommandSpec{Program: "true"},
				Preconditions: []domain.PreconditionDef{
					{Kind: domain.PreconditionServiceReachable, Target: "http://127.0.0.1:1", TimeoutSec: 1},
				},
			},
			stageDef("B", "A"),
		},
	}
	exec := newFakeExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	opts := Options{PrecheckAttempts: 5, PrecheckDelay: 2 * time.Second}
	run, err := newTestRunner(spec, exec, opts).Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	if run.Status != domain.PipelineStatusAborted {
		t.Errorf("status = %s, want ABORTED", run.Status)
	}
	if run.Status.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", run.Status.ExitCode())
	}
	if len(exec.calls()) != 0 {
		t.Errorf("no commands should run, got %v", exec.calls())
	}

	recA := run.Record("A")
	if recA == nil || recA.Status != domain.StageStatusFailed {
		t.Fatalf("A should be FAILED, got %+v", recA)
	}
	if strings.Contains(recA.Reason, "precondition") {
		t.Errorf("cancellation must not read as a precondition failure, got %q", recA.Reason)
	}

	recB := run.Record("B")
	if recB == nil || recB.Status != domain.StageStatusSkipped {
		t.Errorf("B should be SKIPPED, got %+v", recB)
	}
}

func TestRun_OnlyWarnsOnNonIdempotentStage(t *testing.T) {
	a := stageDef("A")
	a.Idempotent = true
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{a, stageDef("B", "A")},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// Повторный запуск B без idempotent=true — warning
	_, err := New(Config{
		Spec:     spec,
		Executor: newFakeExecutor(),
		Logger:   logger,
		Options:  Options{Only: []string{"B"}},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "not marked idempotent") || !strings.Contains(buf.String(), "B") {
		t.Errorf("expected idempotency warning for B, got %q", buf.String())
	}

	// Idempotent stage повторяется без warning'а
	buf.Reset()
	_, err = New(Config{
		Spec:     spec,
		Executor: newFakeExecutor(),
		Logger:   logger,
		Options:  Options{Only: []string{"A"}},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(buf.String(), "not marked idempotent") {
		t.Errorf("idempotent stage should not warn, got %q", buf.String())
	}
}

func TestRun_TimeoutFailsStage(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A")},
	}
	exec := newFakeExecutor()
	exec.handlers["A"] = func(ctx context.Context) (*ExecResult, error) {
		return &ExecResult{ExitCode: -1, TimedOut: true, Output: "partial"}, nil
	}

	run, err := newTestRunner(spec, exec, Options{}).Run(context.Background())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	rec := run.Record("A")
	if rec.Status != domain.StageStatusFailed {
		t.Errorf("A should be FAILED, got %s", rec.Status)
	}
	if !strings.Contains(rec.Reason, "timeout") {
		t.Errorf("reason should mention timeout, got %q", rec.Reason)
	}
}

// recordingSink фиксирует события жизненного цикла.
type recordingSink struct {
	mu       sync.Mutex
	started  int
	stages   int
	finished int
}

func (s *recordingSink) RunStarted(ctx context.Context, run *domain.PipelineRun) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *recordingSink) StageFinished(ctx context.Context, run *domain.PipelineRun, rec *domain.RunRecord) {
	s.mu.Lock()
	s.stages++
	s.mu.Unlock()
}

func (s *recordingSink) RunFinished(ctx context.Context, run *domain.PipelineRun) {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A")},
	}
	sink := &recordingSink{}

	_, err := New(Config{Spec: spec, Executor: newFakeExecutor(), Events: sink}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.started != 1 || sink.finished != 1 {
		t.Errorf("expected 1 run-started and 1 run-finished, got %d/%d", sink.started, sink.finished)
	}
	if sink.stages != 2 {
		t.Errorf("expected 2 stage events, got %d", sink.stages)
	}
}

func TestPlan(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name: "test",
		Stages: []domain.StageDef{
			stageDef("A"),
			groupStage("B", "batch", "A"),
			groupStage("C", "batch", "A"),
			stageDef("D", "B", "C"),
		},
	}

	plan, err := newTestRunner(spec, newFakeExecutor(), Options{}).Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if len(plan) != len(want) {
		t.Fatalf("expected %d batches, got %d: %v", len(want), len(plan), plan)
	}
	for i, batch := range want {
		if len(plan[i]) != len(batch) {
			t.Fatalf("batch %d: expected %v, got %v", i, batch, plan[i])
		}
		for j, name := range batch {
			if plan[i][j] != name {
				t.Errorf("batch %d: expected %v, got %v", i, batch, plan[i])
			}
		}
	}
}

func TestPlan_FromFilter(t *testing.T) {
	spec := &domain.PipelineSpec{
		Name:   "test",
		Stages: []domain.StageDef{stageDef("A"), stageDef("B", "A"), stageDef("C", "B")},
	}

	plan, err := newTestRunner(spec, newFakeExecutor(), Options{From: "B"}).Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan) != 2 || plan[0][0] != "B" || plan[1][0] != "C" {
		t.Errorf("expected [[B] [C]], got %v", plan)
	}
}
