// Package config читает конфигурацию из окружения один раз при старте.
//
// Ядро не встраивает секреты: endpoints и credentials внешних сервисов
// (Postgres для истории прогонов, RabbitMQ для событий, planner API для
// probe) инжектируются переменными окружения.
package config

import (
	"os"
	"time"
)

// Значения по умолчанию.
const (
	DefaultPlannerURL    = "http://localhost:8000"
	DefaultStageTimeout  = 30 * time.Minute
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeAttempts = 10
	DefaultPrecheckRetry = 3
	DefaultPrecheckDelay = 2 * time.Second
)

// Config — конфигурация процесса.
type Config struct {
	// DatabaseURL — DSN Postgres для истории прогонов.
	// Пустая строка — история не персистится.
	DatabaseURL string

	// AMQPURL — адрес RabbitMQ для событий жизненного цикла.
	// Пустая строка — события не публикуются.
	AMQPURL string

	// PlannerURL — базовый адрес planner API для health probe.
	PlannerURL string
}

// Load читает конфигурацию из окружения.
func Load() Config {
	return Config{
		DatabaseURL: os.Getenv("PIPELINE_DB_URL"),
		AMQPURL:     os.Getenv("PIPELINE_AMQP_URL"),
		PlannerURL:  getEnv("PLANNER_API_URL", DefaultPlannerURL),
	}
}

// getEnv возвращает значение переменной окружения или default.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
