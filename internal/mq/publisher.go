package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/immigrally/pipeline/internal/domain"
)

// ExchangeEvents — topic exchange для событий жизненного цикла прогонов.
const ExchangeEvents = "pipeline.events"

// Routing keys событий.
const (
	RoutingKeyRunStarted    = "run.started"
	RoutingKeyStageFinished = "stage.finished"
	RoutingKeyRunFinished   = "run.finished"
)

// MessageType — тип сообщения.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunStarted    MessageType = "run.started"
	MessageTypeStageFinished MessageType = "stage.finished"
	MessageTypeRunFinished   MessageType = "run.finished"
)

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunEventPayload — payload событий run.started / run.finished.
type RunEventPayload struct {
	RunID    uuid.UUID             `json:"run_id"`
	Pipeline string                `json:"pipeline"`
	Status   domain.PipelineStatus `json:"status"`
	Error    string                `json:"error,omitempty"`
}

// StageEventPayload — payload события stage.finished.
type StageEventPayload struct {
	RunID    uuid.UUID          `json:"run_id"`
	Stage    string             `json:"stage"`
	Status   domain.StageStatus `json:"status"`
	ExitCode int                `json:"exit_code"`
	Reason   string             `json:"reason,omitempty"`
}

// Publisher публикует события жизненного цикла прогонов в RabbitMQ.
//
// Публикация best-effort: внешние наблюдатели (дашборды, нотификации)
// опциональны, ошибка публикации логируется и никогда не валит прогон.
// Publisher реализует runner.EventSink.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher и объявляет exchange.
func NewPublisher(conn *Connection, logger *slog.Logger) (*Publisher, error) {
	err := conn.Channel().ExchangeDeclare(
		ExchangeEvents,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
	}

	return &Publisher{conn: conn, logger: logger}, nil
}

// RunStarted публикует событие старта прогона.
func (p *Publisher) RunStarted(ctx context.Context, run *domain.PipelineRun) {
	p.publish(ctx, RoutingKeyRunStarted, MessageTypeRunStarted, RunEventPayload{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		Status:   run.Status,
	})
}

// StageFinished публикует терминальный статус stage.
func (p *Publisher) StageFinished(ctx context.Context, run *domain.PipelineRun, rec *domain.RunRecord) {
	p.publish(ctx, RoutingKeyStageFinished, MessageTypeStageFinished, StageEventPayload{
		RunID:    run.ID,
		Stage:    rec.Stage,
		Status:   rec.Status,
		ExitCode: rec.ExitCode,
		Reason:   rec.Reason,
	})
}

// RunFinished публикует итоговый статус прогона.
func (p *Publisher) RunFinished(ctx context.Context, run *domain.PipelineRun) {
	p.publish(ctx, RoutingKeyRunFinished, MessageTypeRunFinished, RunEventPayload{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		Status:   run.Status,
		Error:    run.Error,
	})
}

// publish сериализует и публикует сообщение. Ошибки только логируются.
func (p *Publisher) publish(ctx context.Context, routingKey string, msgType MessageType, payload any) {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("marshal event", "type", msgType, "error", err)
		return
	}

	err = p.conn.Channel().PublishWithContext(
		ctx,
		ExchangeEvents,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Warn("publish event", "routing_key", routingKey, "error", err)
		return
	}

	p.logger.Debug("published event", "routing_key", routingKey, "message_id", msg.ID)
}
