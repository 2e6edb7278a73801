package cli

// ExitError — ошибка команды с кодом завершения процесса.
//
// Коды различимы для вызывающих скриптов: 1 — ABORTED (упал stage),
// 2 — CONFIG_ERROR (невалидный граф), 3 — PRECONDITION_FAILED.
type ExitError struct {
	Code int
	Msg  string
}

// Error реализует интерфейс error.
func (e *ExitError) Error() string {
	return e.Msg
}
