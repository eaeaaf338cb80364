package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeTasks Exchange = "fanout.tasks"
	ExchangeDLQ   Exchange = "fanout.dlq"
)

const (
	QueueTasksReady    Queue = "tasks.ready"
	QueueTasksReported Queue = "tasks.reported"
	QueueDLQTasks      Queue = "dlq.tasks"
)

const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyReported RoutingKey = "reported"
	RoutingKeyDLQTasks RoutingKey = "tasks"
)

// readyMessageTTL — сколько живёт подсказка task.ready.
// Старше неё задачу и так подберёт polling воркера.
const readyMessageTTL = 10 * 60 * 1000 // ms

// SetupTopology объявляет обменники и очереди. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeTasks, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		dlq := func(extra amqp.Table) amqp.Table {
			args := amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
			}
			for k, v := range extra {
				args[k] = v
			}
			return args
		}

		queues := []struct {
			name     Queue
			args     amqp.Table
			exchange Exchange
			key      RoutingKey
		}{
			{QueueTasksReady, dlq(amqp.Table{"x-message-ttl": int32(readyMessageTTL)}), ExchangeTasks, RoutingKeyReady},
			{QueueTasksReported, dlq(nil), ExchangeTasks, RoutingKeyReported},
			{QueueDLQTasks, nil, ExchangeDLQ, RoutingKeyDLQTasks},
		}

		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.key), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Fanout RabbitMQ Topology:

    fanout.tasks (direct)
    ├── tasks.ready [routing: ready, ttl 10m]
    │       Consumer: Worker (wake-up)
    │       DLQ: dlq.tasks
    └── tasks.reported [routing: reported]
            Consumer: Scheduler (ReportTaskResult)
            DLQ: dlq.tasks

    fanout.dlq (direct)
    └── dlq.tasks [routing: tasks]
            Manual processing
`
}
