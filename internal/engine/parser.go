package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/immigrally/pipeline/internal/domain"
)

// Допустимые виды preconditions.
var validPreconditionKinds = map[string]bool{
	domain.PreconditionDirExists:        true,
	domain.PreconditionFileExists:       true,
	domain.PreconditionServiceReachable: true,
}

// Допустимые политики on_failure.
var validFailurePolicies = map[string]bool{
	domain.FailurePolicyFatal:           true,
	domain.FailurePolicySkipDescendants: true,
}

// Допустимые политики group_policy.
var validGroupPolicies = map[string]bool{
	domain.GroupPolicyAbort:       true,
	domain.GroupPolicyFinishGroup: true,
}

// Parse парсит YAML-спецификацию пайплайна.
func Parse(data []byte) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec: %w", err)
	}
	return &spec, nil
}

// Load читает и парсит спецификацию из файла.
func Load(path string) (*domain.PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline spec: %w", err)
	}
	return Parse(data)
}

// Validate выполняет полную валидацию PipelineSpec.
//
// Проверяет:
// - Наличие stages
// - Уникальность имён
// - Наличие команды у каждого stage
// - Валидность depends_on (только объявленные раньше stages)
// - Валидность политик и видов preconditions
// - Отсутствие циклов (делегируется Graph)
func Validate(spec *domain.PipelineSpec) error {
	if spec == nil || len(spec.Stages) == 0 {
		return ErrEmptyStages
	}

	if spec.GroupPolicy != "" && !validGroupPolicies[spec.GroupPolicy] {
		return NewValidationError("", "group_policy",
			fmt.Sprintf("unknown group policy: %s", spec.GroupPolicy), ErrUnknownPolicy)
	}

	// all — все имена в файле, для различения dangling и forward ссылок.
	all := make(map[string]int, len(spec.Stages))
	for i := range spec.Stages {
		all[spec.Stages[i].Name]++
	}

	// declared — имена stages, объявленных раньше текущего.
	declared := make(map[string]bool, len(spec.Stages))

	for i := range spec.Stages {
		stage := &spec.Stages[i]

		if err := validateStage(stage, declared, all); err != nil {
			return err
		}
		declared[stage.Name] = true
	}

	return nil
}

// validateStage валидирует один stage.
// declared — имена уже объявленных stages, all — все имена спецификации.
func validateStage(stage *domain.StageDef, declared map[string]bool, all map[string]int) error {
	if stage.Name == "" {
		return NewValidationError("", "name", "stage has empty name", ErrEmptyStageName)
	}

	if declared[stage.Name] {
		return NewValidationError(stage.Name, "name",
			fmt.Sprintf("duplicate stage name: %s", stage.Name), ErrDuplicateStageName)
	}

	if stage.Command.Program == "" {
		return NewValidationError(stage.Name, "command",
			"stage has empty command program", ErrEmptyCommand)
	}

	if stage.OnFailure != "" && !validFailurePolicies[stage.OnFailure] {
		return NewValidationError(stage.Name, "on_failure",
			fmt.Sprintf("unknown failure policy: %s", stage.OnFailure), ErrUnknownPolicy)
	}

	for _, dep := range stage.DependsOn {
		if dep == stage.Name {
			return NewValidationError(stage.Name, "depends_on",
				"stage depends on itself", ErrSelfDependency)
		}
		if all[dep] == 0 {
			return NewValidationError(stage.Name, "depends_on",
				fmt.Sprintf("depends on unknown stage: %s", dep), ErrMissingDependency)
		}
		// Ссылки только назад: это делает порядок объявления топологическим
		// и ловит циклы ещё на уровне файла.
		if !declared[dep] {
			return NewValidationError(stage.Name, "depends_on",
				fmt.Sprintf("depends on later-declared stage: %s", dep), ErrForwardDependency)
		}
	}

	for i := range stage.Preconditions {
		pre := &stage.Preconditions[i]
		if !validPreconditionKinds[pre.Kind] {
			return NewValidationError(stage.Name, "preconditions",
				fmt.Sprintf("unknown precondition kind: %s", pre.Kind), ErrUnknownPreconditionKind)
		}
		if pre.Target == "" {
			return NewValidationError(stage.Name, "preconditions",
				"precondition has empty target", ErrEmptyPreconditionTarget)
		}
	}

	return nil
}
