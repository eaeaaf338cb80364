// Package cli реализует операторскую утилиту Fanout.
//
// CLI ходит в Fanout API по HTTP и не импортирует внутренние пакеты:
// типы ответов продублированы в client.go.
//
// Команды сгруппированы по ресурсам:
//   - task: list, show, report
//   - unsub: list, show
//   - order show, quota show
//   - health
//
// Группы создаются фабриками (NewTaskCmd и т.д.), которые получают clientFn
// и outputFn: Client и Output создаются лениво, после разбора PersistentFlags.
//
// Данные печатаются в stdout (таблица или JSON с --json), сообщения в stderr:
//
//	fanout task list --status failed --json | jq '.[].error'
package cli
