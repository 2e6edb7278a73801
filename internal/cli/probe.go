package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/immigrally/pipeline/internal/config"
	"github.com/immigrally/pipeline/internal/domain"
	"github.com/immigrally/pipeline/internal/engine"
	"github.com/immigrally/pipeline/internal/probe"
)

// NewProbeCmd создаёт команду probe: smoke test без прогона пайплайна.
func NewProbeCmd(outputFn func() *Output, logger *slog.Logger) *cobra.Command {
	var file string
	var baseURL string
	var user string
	var fatal bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Smoke-test the planner API without running the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			cfg := config.Load()

			probeSpec := &domain.ProbeSpec{}
			if file != "" {
				spec, err := engine.Load(file)
				if err == nil && spec.Probe != nil {
					probeSpec = spec.Probe
				}
			}
			if baseURL != "" {
				probeSpec.BaseURL = baseURL
			}
			if probeSpec.BaseURL == "" {
				probeSpec.BaseURL = cfg.PlannerURL
			}
			if user != "" {
				probeSpec.RoadmapUser = user
			}

			res := probe.New(probeSpec, logger).Probe(cmd.Context())
			if res.Healthy {
				out.Success(fmt.Sprintf("healthy (total_goals=%d)", res.TotalGoals))
				return nil
			}

			if fatal || probeSpec.FailureFatal {
				return &ExitError{Code: domain.PipelineStatusAborted.ExitCode(), Msg: "unhealthy: " + res.Detail}
			}
			out.Success("WARNING: unhealthy: " + res.Detail)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "configs/pipeline.yaml", "Pipeline spec file (for probe settings)")
	cmd.Flags().StringVar(&baseURL, "url", "", "Planner API base URL (overrides spec and PLANNER_API_URL)")
	cmd.Flags().StringVar(&user, "user", "", "User ID for the roadmap smoke test")
	cmd.Flags().BoolVar(&fatal, "fatal", false, "Exit nonzero when the probe fails")
	return cmd
}
