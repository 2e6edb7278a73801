package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord — результат выполнения одного stage внутри прогона.
//
// Создаётся, когда runner выбирает stage для выполнения, и финализируется,
// когда внешняя команда завершается (или прогон прерван). Records
// добавляются в PipelineRun в порядке выбора stages.
type RunRecord struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// Stage — имя stage (соответствует StageDef.Name).
	Stage string `json:"stage"`

	// Status — текущий статус stage.
	Status StageStatus `json:"status"`

	// StartedAt — время начала выполнения команды.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — время завершения.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// ExitCode — код завершения внешней команды. -1, если команда
	// не запускалась (precondition, skip) или была убита по таймауту.
	ExitCode int `json:"exit_code"`

	// Reason — человекочитаемая причина для FAILED/SKIPPED: неудовлетворённый
	// precondition с именем отсутствующего артефакта, таймаут, код выхода.
	Reason string `json:"reason,omitempty"`

	// Output — захваченный stdout+stderr команды (для диагностики).
	Output string `json:"output,omitempty"`
}

// NewRunRecord создаёт запись в статусе PENDING.
func NewRunRecord(stage string) *RunRecord {
	return &RunRecord{
		ID:       uuid.New(),
		Stage:    stage,
		Status:   StageStatusPending,
		ExitCode: -1,
	}
}

// Duration возвращает продолжительность выполнения stage.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// MarkRunning переводит запись в RUNNING.
func (r *RunRecord) MarkRunning() {
	now := time.Now()
	r.Status = StageStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит запись в SUCCEEDED.
func (r *RunRecord) MarkSucceeded(output string) {
	now := time.Now()
	r.Status = StageStatusSucceeded
	r.EndedAt = &now
	r.ExitCode = 0
	r.Output = output
}

// MarkFailed переводит запись в FAILED с причиной и кодом выхода.
func (r *RunRecord) MarkFailed(reason string, exitCode int, output string) {
	now := time.Now()
	r.Status = StageStatusFailed
	r.EndedAt = &now
	r.ExitCode = exitCode
	r.Reason = reason
	r.Output = output
}

// MarkSkipped переводит запись в SKIPPED с причиной.
func (r *RunRecord) MarkSkipped(reason string) {
	now := time.Now()
	r.Status = StageStatusSkipped
	r.EndedAt = &now
	r.Reason = reason
}

// PipelineRun — один сквозной прогон пайплайна.
//
// Владеет упорядоченной коллекцией RunRecords и итоговым статусом.
// Создаётся при старте runner'а, отчитывается при завершении. Мутируется
// только управляющим циклом runner'а.
type PipelineRun struct {
	// ID — уникальный идентификатор прогона.
	ID uuid.UUID `json:"id"`

	// Pipeline — имя пайплайна из спецификации.
	Pipeline string `json:"pipeline"`

	// Status — итоговый статус прогона.
	Status PipelineStatus `json:"status"`

	// Records — записи stages в порядке выбора.
	Records []*RunRecord `json:"records"`

	// Error — текст ошибки для небезуспешных прогонов.
	Error string `json:"error,omitempty"`

	// StartedAt — время старта прогона.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewPipelineRun создаёт прогон в статусе INITIALIZING.
func NewPipelineRun(pipeline string) *PipelineRun {
	return &PipelineRun{
		ID:        uuid.New(),
		Pipeline:  pipeline,
		Status:    PipelineStatusInitializing,
		StartedAt: time.Now(),
	}
}

// Record возвращает запись stage по имени, или nil.
func (p *PipelineRun) Record(stage string) *RunRecord {
	for _, rec := range p.Records {
		if rec.Stage == stage {
			return rec
		}
	}
	return nil
}

// Finalize устанавливает терминальный статус и время завершения.
func (p *PipelineRun) Finalize(status PipelineStatus, errMsg string) {
	now := time.Now()
	p.Status = status
	p.Error = errMsg
	p.FinishedAt = &now
}

// Duration возвращает продолжительность прогона.
func (p *PipelineRun) Duration() time.Duration {
	if p.FinishedAt == nil {
		return 0
	}
	return p.FinishedAt.Sub(p.StartedAt)
}
