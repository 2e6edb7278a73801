package domain

import "time"

// Политики обработки ошибок stage.
const (
	// FailurePolicyFatal — падение stage прерывает весь прогон (default).
	FailurePolicyFatal = "fatal"

	// FailurePolicySkipDescendants — падение stage помечает его транзитивных
	// потомков SKIPPED, остальные stages продолжают выполняться.
	FailurePolicySkipDescendants = "skip-descendants"
)

// Политики обработки ошибок внутри parallel group.
const (
	// GroupPolicyAbort — падение любого участника группы финализирует
	// прогон как ABORTED после join-барьера.
	GroupPolicyAbort = "abort"

	// GroupPolicyFinishGroup — группа доигрывается до конца, потомки
	// упавших участников помечаются SKIPPED.
	GroupPolicyFinishGroup = "finish-group"
)

// Виды preconditions.
const (
	PreconditionDirExists        = "directory-exists"
	PreconditionFileExists       = "file-exists"
	PreconditionServiceReachable = "service-reachable"
)

// StageDef — декларация одного stage пайплайна.
//
// StageDef — неизменяемая конфигурация: runner читает её, но никогда
// не модифицирует. Всё изменяемое состояние прогона живёт в RunRecord.
type StageDef struct {
	// Name — уникальное имя stage (например, "setup-ontology", "dedup-4").
	Name string `yaml:"name"`

	// Command — внешняя команда, которую выполняет stage.
	Command CommandSpec `yaml:"command"`

	// DependsOn — имена stages, которые должны завершиться до этого.
	// Разрешены только ссылки на объявленные раньше stages.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Group — метка parallel group. Stages с одинаковой меткой, готовые
	// одновременно, выполняются конкурентно до общего join-барьера.
	Group string `yaml:"group,omitempty"`

	// Idempotent — безопасно ли повторять stage после частичного успеха.
	Idempotent bool `yaml:"idempotent,omitempty"`

	// OnFailure — политика при падении: fatal (default) или skip-descendants.
	OnFailure string `yaml:"on_failure,omitempty"`

	// TimeoutSec — таймаут внешней команды в секундах. 0 — default.
	TimeoutSec int `yaml:"timeout_sec,omitempty"`

	// Preconditions — проверки, выполняемые непосредственно перед запуском.
	Preconditions []PreconditionDef `yaml:"preconditions,omitempty"`
}

// Timeout возвращает таймаут команды stage.
func (s *StageDef) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return def
}

// FailurePolicy возвращает политику обработки ошибок (default: fatal).
func (s *StageDef) FailurePolicy() string {
	if s.OnFailure == "" {
		return FailurePolicyFatal
	}
	return s.OnFailure
}

// CommandSpec — описание внешней команды stage.
//
// Команда непрозрачна для оркестратора: интерпретатор + скрипт + флаги
// (например, "python3 run_dedup.py --stage 4"). Код 0 — успех,
// любой другой — падение.
type CommandSpec struct {
	// Program — исполняемый файл (например, "python3").
	Program string `yaml:"program"`

	// Args — аргументы команды.
	Args []string `yaml:"args,omitempty"`

	// Dir — рабочая директория. Пустая — директория оркестратора.
	Dir string `yaml:"dir,omitempty"`

	// Env — дополнительные переменные окружения в формате KEY=VALUE.
	Env []string `yaml:"env,omitempty"`
}

// PreconditionDef — проверка внешнего окружения перед запуском stage.
//
// Проверяется непосредственно перед выполнением владеющего stage, а не при
// построении графа: внешнее состояние (стартующий сервис) меняется между
// stages.
type PreconditionDef struct {
	// Kind — вид проверки: directory-exists, file-exists, service-reachable.
	Kind string `yaml:"kind"`

	// Target — путь (для *-exists) или URL (для service-reachable).
	Target string `yaml:"target"`

	// TimeoutSec — таймаут probe для service-reachable. 0 — default.
	TimeoutSec int `yaml:"timeout_sec,omitempty"`
}

// Timeout возвращает таймаут probe.
func (p *PreconditionDef) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSec > 0 {
		return time.Duration(p.TimeoutSec) * time.Second
	}
	return def
}
