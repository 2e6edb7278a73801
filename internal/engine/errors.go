package engine

import "errors"

// Ошибки валидации PipelineSpec. Все они — ConfigurationError: прогон
// прерывается до запуска какой-либо внешней команды.
var (
	// ErrEmptyStages — пайплайн не содержит stages.
	ErrEmptyStages = errors.New("pipeline spec has no stages")

	// ErrEmptyStageName — stage не имеет имени.
	ErrEmptyStageName = errors.New("stage has empty name")

	// ErrDuplicateStageName — несколько stages с одинаковым именем.
	ErrDuplicateStageName = errors.New("duplicate stage name")

	// ErrMissingDependency — stage зависит от несуществующего stage.
	ErrMissingDependency = errors.New("stage depends on unknown stage")

	// ErrForwardDependency — stage зависит от объявленного позже stage.
	ErrForwardDependency = errors.New("stage depends on later-declared stage")

	// ErrSelfDependency — stage зависит от самого себя.
	ErrSelfDependency = errors.New("stage depends on itself")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrEmptyCommand — stage не имеет команды.
	ErrEmptyCommand = errors.New("stage has empty command")

	// ErrUnknownPolicy — неизвестная политика on_failure или group_policy.
	ErrUnknownPolicy = errors.New("unknown failure policy")

	// ErrUnknownPreconditionKind — неизвестный вид precondition.
	ErrUnknownPreconditionKind = errors.New("unknown precondition kind")

	// ErrEmptyPreconditionTarget — precondition без target.
	ErrEmptyPreconditionTarget = errors.New("precondition has empty target")

	// ErrUnknownStage — фильтр --only/--from ссылается на несуществующий stage.
	ErrUnknownStage = errors.New("unknown stage in filter")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Stage   string // имя stage, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Stage != "" {
		return "stage " + e.Stage + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stage, field, message string, err error) *ValidationError {
	return &ValidationError{
		Stage:   stage,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
