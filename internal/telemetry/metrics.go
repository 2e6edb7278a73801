package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики прогонов пайплайна.
var (
	// StageDuration — продолжительность выполнения stage по исходу.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of stage command execution.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage", "status"})

	// StagesTotal — количество stages по терминальному статусу.
	StagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "stages_total",
		Help:      "Stages by terminal status.",
	}, []string{"status"})

	// RunsTotal — количество прогонов по итоговому статусу.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})

	// PreconditionFailures — неудовлетворённые preconditions по виду.
	PreconditionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "precondition_failures_total",
		Help:      "Unsatisfied preconditions by kind.",
	}, []string{"kind"})
)

// ObserveStage записывает метрики одного завершённого stage.
func ObserveStage(stage, status string, d time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	StagesTotal.WithLabelValues(status).Inc()
}

// ServeMetrics поднимает /metrics listener на addr.
//
// Полезно для долгих прогонов (dedup занимает часы); listener живёт
// столько же, сколько процесс, поэтому ошибки просто возвращаются.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
