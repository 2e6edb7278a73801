package runner

import (
	"sync"

	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/engine"
)

// runState — изменяемое состояние одного прогона.
//
// Мутируется только управляющим циклом runner'а; участники parallel group
// пишут через мьютекс, который держится только на время записи, никогда —
// на время блокирующего выполнения команды.
type runState struct {
	run   *domain.PipelineRun
	graph *engine.Graph

	mu        sync.Mutex
	completed map[string]bool
	running   map[string]bool
	failed    map[string]bool
	skipped   map[string]bool
}

// newRunState создаёт состояние прогона.
// attested — stages, объявленные завершёнными оператором (фильтры --only/--from).
func newRunState(run *domain.PipelineRun, graph *engine.Graph, attested map[string]bool) *runState {
	completed := make(map[string]bool, len(attested))
	for name := range attested {
		completed[name] = true
	}
	return &runState{
		run:       run,
		graph:     graph,
		completed: completed,
		running:   make(map[string]bool),
		failed:    make(map[string]bool),
		skipped:   make(map[string]bool),
	}
}

// ready возвращает готовые stages в порядке объявления.
func (s *runState) ready() []*engine.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.ReadyStages(s.completed, s.running, s.skipped)
}

// selectStage создаёт RunRecord и помечает stage выполняющимся.
// Records добавляются в порядке выбора stages.
func (s *runState) selectStage(name string) *domain.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := domain.NewRunRecord(name)
	s.run.Records = append(s.run.Records, rec)
	s.running[name] = true
	return rec
}

// finishStage фиксирует терминальный статус stage.
func (s *runState) finishStage(name string, status domain.StageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, name)
	switch status {
	case domain.StageStatusSucceeded:
		s.completed[name] = true
	case domain.StageStatusFailed:
		s.failed[name] = true
	case domain.StageStatusSkipped:
		s.skipped[name] = true
	}
}

// skip помечает stage пропущенным с причиной, создавая запись, если её нет.
func (s *runState) skip(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed[name] || s.failed[name] || s.skipped[name] {
		return
	}

	rec := s.run.Record(name)
	if rec == nil {
		rec = domain.NewRunRecord(name)
		s.run.Records = append(s.run.Records, rec)
	}
	rec.MarkSkipped(reason)
	delete(s.running, name)
	s.skipped[name] = true
}

// skipDescendants помечает транзитивных потомков stage пропущенными.
func (s *runState) skipDescendants(name string) {
	for _, node := range s.graph.Descendants(name) {
		s.skip(node.Name, "upstream stage "+name+" failed")
	}
}

// remarkSkipped переводит упавший stage в SKIPPED (участник группы,
// остановленный отменой группы, а не собственной ошибкой).
func (s *runState) remarkSkipped(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, name)
	s.skipped[name] = true
}

// hasFailed возвращает true, если есть упавшие stages.
func (s *runState) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed) > 0
}

// isTerminal возвращает true, если stage достиг терминального состояния
// (включая attested-completed).
func (s *runState) isTerminal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[name] || s.failed[name] || s.skipped[name]
}
