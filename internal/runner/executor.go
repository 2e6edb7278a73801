package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
)

// graceWindow — сколько ждать после SIGTERM, прежде чем процесс будет убит.
const graceWindow = 10 * time.Second

// ExecResult — результат выполнения внешней команды stage.
type ExecResult struct {
	// ExitCode — код завершения процесса. -1, если процесс не стартовал
	// или был убит.
	ExitCode int

	// Output — объединённый stdout+stderr.
	Output string

	// TimedOut — true, если команда была остановлена по таймауту stage.
	TimedOut bool
}

// Executor выполняет внешнюю команду stage.
//
// Единственная реализация в production — CommandExecutor; интерфейс
// нужен, чтобы тесты runner'а могли подставить spy.
type Executor interface {
	Execute(ctx context.Context, stage *domain.StageDef) (*ExecResult, error)
}

// CommandExecutor запускает команды stage как внешние процессы.
//
// Команда непрозрачна: интерпретатор + скрипт + флаги. Код 0 — успех.
// Таймаут stage ограничивает выполнение; по отмене контекста процессу
// отправляется SIGTERM, через graceWindow — SIGKILL.
type CommandExecutor struct {
	// DefaultTimeout — таймаут для stages без timeout_sec.
	DefaultTimeout time.Duration
}

// NewCommandExecutor создаёт CommandExecutor.
func NewCommandExecutor(defaultTimeout time.Duration) *CommandExecutor {
	return &CommandExecutor{DefaultTimeout: defaultTimeout}
}

// Execute выполняет команду stage и возвращает её результат.
//
// Инфраструктурные ошибки (команда не найдена) возвращаются через error;
// ненулевой код выхода — логическая ошибка, возвращается в ExecResult.
func (e *CommandExecutor) Execute(ctx context.Context, stage *domain.StageDef) (*ExecResult, error) {
	timeout := stage.Timeout(e.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, stage.Command.Program, stage.Command.Args...)
	cmd.Dir = stage.Command.Dir
	if len(stage.Command.Env) > 0 {
		cmd.Env = append(os.Environ(), stage.Command.Env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// Мягкое завершение: SIGTERM, затем kill после graceWindow.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = graceWindow

	err := cmd.Run()

	result := &ExecResult{
		ExitCode: -1,
		Output:   out.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	if result.TimedOut || ctx.Err() != nil {
		// Процесс убит контекстом до того, как успел вернуть код.
		return result, nil
	}

	// Команда не стартовала (не найдена, нет прав).
	return nil, err
}
