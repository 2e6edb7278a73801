// Package telemetry — structured logging (log/slog) и prometheus-метрики
// прогонов пайплайна.
package telemetry
