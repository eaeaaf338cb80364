package api

import (
	"net/http"

	"github.com/google/uuid"
)

// GetOrder возвращает прогресс заказа.
// GET /api/v1/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid order id")
		return
	}

	o, err := h.subjects.GetOrder(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "order not found") {
		return
	}
	Success(w, SubjectFromDomain(o))
}

// GetQuota возвращает прогресс квоты.
// GET /api/v1/quotas/{id}
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid quota id")
		return
	}

	q, err := h.subjects.GetQuota(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "quota not found") {
		return
	}
	Success(w, SubjectFromDomain(q))
}
