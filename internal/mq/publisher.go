package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Fanout/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeTaskReady    MessageType = "task.ready"
	MessageTypeTaskReported MessageType = "task.reported"
)

// Message — конверт любого сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskReadyPayload — задача создана и ждёт lease.
type TaskReadyPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskReportedPayload — результат исполнения от внешнего исполнителя.
// Контракт тот же, что у POST /api/v1/tasks/{id}/report.
type TaskReportedPayload struct {
	TaskID uuid.UUID         `json:"task_id"`
	Result domain.ExecResult `json:"result"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger, now: time.Now}
}

// NewMessage упаковывает payload в конверт.
func NewMessage(msgType MessageType, payload any, now time.Time) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: now,
	}, nil
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         string(msg.Type),
			Timestamp:    msg.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishTaskReady будит воркеров. Реализует scheduler.Notifier.
func (p *Publisher) PublishTaskReady(ctx context.Context, taskID uuid.UUID) error {
	msg, err := NewMessage(MessageTypeTaskReady, TaskReadyPayload{TaskID: taskID}, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg)
}

// PublishTaskReported кладёт результат задачи в tasks.reported.
func (p *Publisher) PublishTaskReported(ctx context.Context, taskID uuid.UUID, result domain.ExecResult) error {
	msg, err := NewMessage(MessageTypeTaskReported, TaskReportedPayload{TaskID: taskID, Result: result}, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReported, msg)
}
