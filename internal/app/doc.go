// Package app собирает зависимости процессов Fanout из config.Config.
//
// Все бинарники (scheduler, worker, api) работают с одним ядром: PostgreSQL,
// Redis для claim-протокола и пула, планировщик. Core строит его один раз,
// Close освобождает соединения.
//
// Leader реализует выбор лидера через pg_try_advisory_lock: обслуживание
// (reaper, продление окон квот) выполняет только процесс-лидер.
package app
