// Package mq — транспорт RabbitMQ между планировщиком, воркерами и
// внешними исполнителями.
//
// Структура:
//   - connection.go — соединение с автоматическим переподключением
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление с ack/nack и DLQ
//
// Типы сообщений:
//   - task.ready    — задача создана, воркеру стоит взять lease (подсказка, не гарантия)
//   - task.reported — внешний исполнитель сообщает результат задачи
//
// Сообщения task.ready не несут состояния: воркер всё равно берёт задачи
// через lease в БД, поэтому потерянное или повторное событие безопасно.
package mq
