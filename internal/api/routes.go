package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Tasks
	mux.Handle("GET /api/v1/tasks", chain(http.HandlerFunc(h.ListTasks)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("POST /api/v1/tasks/{id}/report", chain(http.HandlerFunc(h.ReportTask)))

	// Unsubscribes
	mux.Handle("GET /api/v1/unsubscribes", chain(http.HandlerFunc(h.ListUnsubscribes)))
	mux.Handle("GET /api/v1/unsubscribes/{id}", chain(http.HandlerFunc(h.GetUnsubscribe)))

	// Subjects
	mux.Handle("GET /api/v1/orders/{id}", chain(http.HandlerFunc(h.GetOrder)))
	mux.Handle("GET /api/v1/quotas/{id}", chain(http.HandlerFunc(h.GetQuota)))

	// Links
	mux.Handle("POST /api/v1/links/inspect", chain(http.HandlerFunc(h.InspectLink)))

	mux.HandleFunc("GET /healthz", h.Health)
}
