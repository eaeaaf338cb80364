// Package api — HTTP-поверхность Fanout.
//
// Маршруты:
//   - POST /api/v1/tasks/{id}/report — результат задачи от внешнего исполнителя
//   - GET  /api/v1/tasks/{id}, GET /api/v1/tasks?status=&subject_id=&account_id=
//   - GET  /api/v1/unsubscribes?status=&account_id=
//   - GET  /api/v1/orders/{id}, GET /api/v1/quotas/{id}
//   - GET  /healthz
//
// Ответы — JSON-конверты {"data": ...} или {"error": {"code", "message"}}.
// /metrics вешается в main.
package api
