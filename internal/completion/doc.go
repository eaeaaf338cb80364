// Package completion применяет результат задачи к субъекту (заказу или квоте).
//
// Правила чистые: Service меняет только переданный domain.Subject, а
// сохранение и идемпотентность обеспечивает вызывающий (scheduler применяет
// их в той же транзакции, что и финализацию задачи).
//
// Успех:
//   - delivered += units, remains -= units, с ограничением 0 ≤ remains и delivered ≤ quantity
//   - статус in_progress, completed при remains == 0
//   - dripfeed: счётчик прогона растёт; выполненный прогон переключает на
//     следующий (next_run_at = now + интервал прогонов), после последнего
//     прогона гейтинг отключается
//
// Неудача:
//   - last_error и last_error_at, remains не меняется
//   - next_run_at = now + задержка (подсказка исполнителя, иначе интервал
//     политики), ограниченная [MinRetryDelay, MaxRetryDelay]
package completion
