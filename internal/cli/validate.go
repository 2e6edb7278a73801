package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/engine"
)

// NewValidateCmd создаёт команду validate: проверка графа без выполнения.
func NewValidateCmd(outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline spec without executing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			spec, err := engine.Load(file)
			if err != nil {
				return &ExitError{Code: domain.PipelineStatusConfigError.ExitCode(), Msg: err.Error()}
			}

			graph, err := engine.Build(spec)
			if err != nil {
				return &ExitError{Code: domain.PipelineStatusConfigError.ExitCode(), Msg: err.Error()}
			}

			out.Success(fmt.Sprintf("pipeline %s: %d stages, graph is valid", spec.Name, graph.Size()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "configs/pipeline.yaml", "Pipeline spec file")
	return cmd
}
