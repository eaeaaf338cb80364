// Package pool выбирает аккаунт для вызова из общего пула.
//
// # Выбор кандидата
//
// SelectCandidate берёт ограниченное окно подходящих аккаунтов (активен, не
// отключён, cooldown истёк, есть нужная capability и дневной запас тяжёлых
// вызовов) в порядке LRU и ранжирует его:
//
//   - монокультура (у всех кандидатов один ключ прокси): фильтры по cooldown
//     и исключению прокси пропускаются, порядок — штраф, LRU, id
//   - иначе: кандидаты на прокси с cooldown и исключённые прокси отбрасываются,
//     порядок — score прокси минус штраф (по убыванию), LRU, id, после чего
//     top-K перемешиваются
//
// # Цикл повторов
//
// Run выполняет вызов, который должен завершиться сразу (например, разбор
// ссылки). Каждая попытка берёт новый аккаунт, короткую распределённую
// блокировку исполнения и классифицирует результат:
//
//   - успех: здоровье прокси +1, возврат
//   - flood-wait: cooldown аккаунта N + jitter, ужесточение интервала прокси, прерывание
//   - отзыв учётных данных: аккаунт отключается, следующая попытка
//   - недоступен прокси: прокси на cooldown и исключается, следующая попытка
//   - временная ошибка: ступенчатый cooldown по fail_count, следующая попытка
//
// Весь цикл ограничен дедлайном; его истечение — ErrDeadlineExceeded,
// отличная от ошибок отсутствия кандидатов.
package pool
