// Package worker исполняет задачи Fanout.
//
// # Обзор
//
// Worker — stateless процесс. Он:
//
//   - арендует задачи через scheduler.LeaseTasksForWorker (до Concurrency одновременно)
//   - берёт блокировку исполнения аккаунта и ждёт интервала прокси
//   - вызывает исполнитель (HTTPExecutor: native-клиент или внешний провайдер)
//   - передаёт исход вызова пулу (cooldown, отключение, здоровье прокси)
//   - увеличивает суточный счётчик тяжёлых вызовов аккаунта
//   - сообщает результат через scheduler.ReportTaskResult
//
// Воркеры масштабируются горизонтально: выдачу задач сериализует
// FOR UPDATE SKIP LOCKED в планировщике. Событие tasks.ready будит цикл
// аренды, опрос по таймеру остаётся страховкой.
//
// # Ответ исполнителя
//
// HTTPExecutor ожидает JSON ExecResult плюс error_code:
//
//	{"ok": true, "state": "done"}
//	{"ok": true, "state": "pending", "provider_task_id": "p-17"}
//	{"ok": false, "error_code": "flood_wait", "retry_after": 120}
//	{"ok": false, "error": "channel is private"}
//
// Коды flood_wait, auth_revoked, proxy_unavailable, rejected превращаются
// в ошибки пула. ok=false без кода — бизнес-отказ, аккаунт не наказывается.
//
// # Остановка
//
// Stop прекращает аренду и дожидается начатых задач. Задачи, которые не
// успели начаться, остаются в аренде и возвращаются по истечении lease.
package worker
