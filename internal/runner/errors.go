package runner

import "errors"

// Ошибки runner'а.
var (
	// ErrConfiguration — граф не прошёл валидацию; ничего не выполнялось.
	ErrConfiguration = errors.New("pipeline configuration error")

	// ErrPreconditionFailed — fatal stage остановлен precondition'ом.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrExecutionFailed — внешняя команда fatal stage упала или истёк таймаут.
	ErrExecutionFailed = errors.New("stage execution failed")

	// ErrCancelled — прогон отменён оператором.
	ErrCancelled = errors.New("run cancelled")

	// ErrStalled — есть незавершённые stages, но ни один не готов.
	// Не должно происходить после успешной валидации графа.
	ErrStalled = errors.New("no ready stages but pipeline incomplete")
)
