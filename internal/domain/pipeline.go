package domain

import "time"

// PipelineSpec — спецификация пайплайна (содержимое pipeline.yaml).
//
// Это "программа" для runner'а: объявленные stages с зависимостями плюс
// настройки post-run health probe. Спецификация — неизменяемая конфигурация,
// владеет ею тот, кто строит граф; runner читает её read-only.
type PipelineSpec struct {
	// Version — версия формата спецификации.
	Version string `yaml:"version,omitempty"`

	// Name — имя пайплайна (например, "immigrally-planner").
	Name string `yaml:"name"`

	// Description — назначение пайплайна.
	Description string `yaml:"description,omitempty"`

	// GroupPolicy — политика parallel groups: abort (default) или
	// finish-group (group_policy применяется ко всем группам спецификации).
	GroupPolicy string `yaml:"group_policy,omitempty"`

	// Stages — объявленные stages в порядке файла. Порядок объявления
	// определяет детерминированный порядок выбора готовых stages.
	Stages []StageDef `yaml:"stages"`

	// Probe — post-run smoke test сервиса, собранного пайплайном.
	Probe *ProbeSpec `yaml:"probe,omitempty"`
}

// Stage возвращает StageDef по имени, или nil.
func (s *PipelineSpec) Stage(name string) *StageDef {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i]
		}
	}
	return nil
}

// ResolvedGroupPolicy возвращает политику групп (default: abort).
func (s *PipelineSpec) ResolvedGroupPolicy() string {
	if s.GroupPolicy == "" {
		return GroupPolicyAbort
	}
	return s.GroupPolicy
}

// ProbeSpec — настройки Health Prober.
//
// После успешного прогона prober опрашивает liveness endpoint сервиса
// с backoff'ом и выполняет один функциональный запрос roadmap.
type ProbeSpec struct {
	// BaseURL — адрес сервиса (например, "http://localhost:8000").
	// Пустое значение берётся из PLANNER_API_URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// HealthPath — liveness endpoint. Default: /health.
	HealthPath string `yaml:"health_path,omitempty"`

	// RoadmapUser — user_id для функционального запроса
	// GET /api/v1/roadmap/{user_id}. Default: u_dummy_001.
	RoadmapUser string `yaml:"roadmap_user,omitempty"`

	// Start — команда запуска сервиса. Пустая — сервис считается
	// уже запущенным и prober его не останавливает.
	Start *CommandSpec `yaml:"start,omitempty"`

	// MaxAttempts — количество попыток liveness poll. 0 — default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// TimeoutSec — таймаут одного HTTP-запроса. 0 — default.
	TimeoutSec int `yaml:"timeout_sec,omitempty"`

	// FailureFatal — считать ли проваленный probe падением пайплайна.
	// false повторяет поведение исходного скрипта: warning, не ошибка.
	FailureFatal bool `yaml:"failure_fatal,omitempty"`
}

// Timeout возвращает таймаут одного запроса probe.
func (p *ProbeSpec) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSec > 0 {
		return time.Duration(p.TimeoutSec) * time.Second
	}
	return def
}
