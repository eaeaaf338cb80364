// Package claim реализует двухфазный протокол захвата аккаунта под действие.
//
// # Обзор
//
// Аккаунт — дефицитный ресурс с состоянием, которым одновременно пользуются
// независимые процессы. Единственный источник правды — общее хранилище
// координации (Redis), все изменения — атомарные операции над ним.
//
//   - Reserve — фиксирует намерение: ставит короткую блокировку (аккаунт, действие).
//     Проверяет состояние связи (stateful), dedupe (одноразовые) и cooldown.
//     Ничего, кроме блокировки, не меняет.
//   - Commit — подтверждает успех: ставит cooldown, увеличивает дневной счётчик
//     (с откатом при превышении лимита), пишет состояние связи или dedupe-флаг
//     и снимает блокировку. Всё — одной атомарной операцией.
//   - RollbackReserve — снимает блокировку. Cooldown, лимит и dedupe не трогает:
//     они не были потреблены.
//
// Cooldown, дневной лимит, dedupe и состояние связи меняет только Commit.
//
// # Ключи
//
// Все ключи одного аккаунта имеют hash-tag {account}, поэтому скрипт
// работает и в Redis Cluster:
//
//	claim:{acc}:lock:<action>              токен резервации, TTL ~120s
//	claim:{acc}:cd:<action>                cooldown, TTL = policy.cooldown
//	claim:{acc}:cap:<action>:<yyyymmdd>    дневной счётчик, TTL до локальной полуночи
//	claim:{acc}:dd:<action>:<link_hash>    dedupe, TTL 30 дней
//	claim:{acc}:ls:<link_hash>             subscribed | unsubscribed, TTL 90 дней
//
// # Хранилища
//
//   - RedisStore — Lua-скрипты через go-redis (production)
//   - MemoryStore — таблица compare-and-swap в памяти процесса (один координатор, тесты)
package claim
