// Package telemetry — логи и метрики процессов Fanout.
//
// SetupLogger настраивает slog по LOG_FORMAT (json|text) и LOG_LEVEL;
// каждая запись несёт имя сервиса. Хелперы WithTaskID, WithAccountID и
// WithSubject добавляют стандартные ключи task_id, account_id, subject_kind
// и subject_id. Логгер запроса передаётся через контекст (WithLogger).
//
// Метрики регистрируются в глобальном registry Prometheus при импорте
// пакета и отдаются на /metrics каждым бинарником.
package telemetry
