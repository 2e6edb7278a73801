package engine

import (
	"github.com/immigrally/pipeline/internal/domain"
)

// Node — узел в графе stages.
type Node struct {
	// Stage — декларация stage из PipelineSpec.
	Stage *domain.StageDef

	// Name — имя stage (копия Stage.Name для удобства).
	Name string

	// Index — позиция объявления в спецификации (для детерминированного порядка).
	Index int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// Graph — направленный ациклический граф stages пайплайна.
type Graph struct {
	// Nodes — все узлы графа (имя → Node).
	Nodes map[string]*Node

	// Order — узлы в порядке объявления (он же топологический:
	// валидация запрещает forward-ссылки).
	Order []*Node
}

// Build строит Graph из PipelineSpec.
//
// Спецификация должна быть провалидирована через Validate; Build дополнительно
// выполняет сортировку Кана как страховку от циклов.
func Build(spec *domain.PipelineSpec) (*Graph, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes: make(map[string]*Node, len(spec.Stages)),
		Order: make([]*Node, 0, len(spec.Stages)),
	}

	// Первый проход: создаём все узлы
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		node := &Node{
			Stage:      stage,
			Name:       stage.Name,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		g.Nodes[stage.Name] = node
		g.Order = append(g.Order, node)
	}

	// Второй проход: связываем узлы по зависимостям
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		node := g.Nodes[stage.Name]

		for _, dep := range stage.DependsOn {
			g.addEdge(g.Nodes[dep], node)
		}
	}

	// Проверка на циклы (не должна срабатывать после Validate)
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// addEdge добавляет ребро между узлами.
// Дубликаты игнорируются, чтобы не задваивать InDegree.
func (g *Graph) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.Name == from.Name {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// checkAcyclic выполняет топологическую сортировку (алгоритм Кана)
// и возвращает ошибку, если обнаружен цикл.
func (g *Graph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.Nodes))
	queue := make([]*Node, 0, len(g.Nodes))

	for name, node := range g.Nodes {
		inDegree[name] = node.InDegree
		if node.InDegree == 0 {
			queue = append(queue, node)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++

		for _, dep := range node.Dependents {
			inDegree[dep.Name]--
			if inDegree[dep.Name] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(g.Nodes) {
		return ErrCyclicDependency
	}
	return nil
}

// ReadyStages возвращает stages, готовые к выполнению, в порядке объявления.
//
// Stage готов, если все его зависимости в completed и сам он не в
// completed, running или skipped.
func (g *Graph) ReadyStages(completed, running, skipped map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range g.Order {
		if completed[node.Name] || running[node.Name] || skipped[node.Name] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.Name] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// Descendants возвращает транзитивных потомков stage в порядке объявления.
func (g *Graph) Descendants(name string) []*Node {
	start, ok := g.Nodes[name]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, dep := range n.Dependents {
			if !seen[dep.Name] {
				seen[dep.Name] = true
				walk(dep)
			}
		}
	}
	walk(start)

	out := make([]*Node, 0, len(seen))
	for _, node := range g.Order {
		if seen[node.Name] {
			out = append(out, node)
		}
	}
	return out
}

// Node возвращает узел по имени.
func (g *Graph) Node(name string) *Node {
	return g.Nodes[name]
}

// Size возвращает количество узлов в графе.
func (g *Graph) Size() int {
	return len(g.Nodes)
}
