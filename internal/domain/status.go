package domain

// StageStatus — статус выполнения одного stage.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	PENDING → SKIPPED (по политике, если упал предок)
type StageStatus string

const (
	// StageStatusPending — stage объявлен, но ещё не выбран для выполнения.
	StageStatusPending StageStatus = "PENDING"

	// StageStatusRunning — внешняя команда stage выполняется.
	StageStatusRunning StageStatus = "RUNNING"

	// StageStatusSucceeded — команда завершилась с кодом 0.
	StageStatusSucceeded StageStatus = "SUCCEEDED"

	// StageStatusFailed — команда вернула ненулевой код, истёк таймаут
	// или precondition stage не выполнился.
	StageStatusFailed StageStatus = "FAILED"

	// StageStatusSkipped — stage пропущен политикой обработки ошибок
	// (транзитивный потомок упавшего non-fatal stage).
	StageStatusSkipped StageStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// PipelineStatus — итоговый статус одного прогона пайплайна.
//
// Жизненный цикл:
//
//	INITIALIZING → VALIDATING → EXECUTING → COMPLETED
//	                          ↘ ABORTED
//	              ↘ CONFIG_ERROR (валидация графа не прошла, ничего не запущено)
//	EXECUTING → PRECONDITION_FAILED (fatal stage остановлен precondition'ом)
type PipelineStatus string

const (
	// PipelineStatusInitializing — прогон создан, граф ещё не загружен.
	PipelineStatusInitializing PipelineStatus = "INITIALIZING"

	// PipelineStatusValidating — граф загружен, идёт валидация.
	PipelineStatusValidating PipelineStatus = "VALIDATING"

	// PipelineStatusExecuting — stages выполняются.
	PipelineStatusExecuting PipelineStatus = "EXECUTING"

	// PipelineStatusCompleted — каждый stage либо SUCCEEDED, либо SKIPPED по политике.
	PipelineStatusCompleted PipelineStatus = "COMPLETED"

	// PipelineStatusAborted — прогон остановлен из-за упавшего fatal stage
	// или отмены оператором.
	PipelineStatusAborted PipelineStatus = "ABORTED"

	// PipelineStatusPreconditionFailed — fatal stage не прошёл precondition.
	PipelineStatusPreconditionFailed PipelineStatus = "PRECONDITION_FAILED"

	// PipelineStatusConfigError — граф невалиден, ни одна команда не запускалась.
	PipelineStatusConfigError PipelineStatus = "CONFIG_ERROR"
)

// IsTerminal возвращает true, если прогон завершён.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusCompleted, PipelineStatusAborted,
		PipelineStatusPreconditionFailed, PipelineStatusConfigError:
		return true
	default:
		return false
	}
}

// ExitCode возвращает код завершения процесса для итогового статуса.
// Коды различимы, чтобы вызывающие скрипты могли отличить ошибку
// конфигурации от падения stage.
func (s PipelineStatus) ExitCode() int {
	switch s {
	case PipelineStatusCompleted:
		return 0
	case PipelineStatusAborted:
		return 1
	case PipelineStatusConfigError:
		return 2
	case PipelineStatusPreconditionFailed:
		return 3
	default:
		return 1
	}
}
