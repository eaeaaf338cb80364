// Package proxyhealth отслеживает здоровье сетевых выходов (прокси) аккаунтов.
//
// Для каждого ключа прокси (domain.ProxyConfig.Key) хранятся счётчики успехов
// и ошибок, cooldown и адаптивный минимальный интервал между вызовами.
// Score — оценка Лапласа доли успешных вызовов, используется при выборе аккаунта.
//
// Flood-wait ужесточает интервал (Tighten), успех его ослабляет.
// Allow пропускает не больше одного вызова через прокси за интервал.
//
// Реализации:
//   - RedisTracker — общий для всех процессов (production)
//   - MemoryTracker — в памяти процесса (локальный запуск, тесты)
package proxyhealth
