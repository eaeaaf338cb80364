package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/repo"
)

// ListUnsubscribes возвращает отложенные отписки.
// GET /api/v1/unsubscribes?status=...&account_id=...&limit=...&offset=...
func (h *Handler) ListUnsubscribes(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	filter := repo.UnsubscribeFilter{Limit: page.Limit, Offset: page.Offset}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.UnsubscribeStatus(s)
		if !status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}
	if filter.AccountID, err = parseUUIDParam(r, "account_id"); err != nil {
		BadRequest(w, err.Error())
		return
	}

	items, err := h.unsubscribes.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	if items == nil {
		items = []*domain.UnsubscribeTask{}
	}
	List(w, items, len(items), page)
}

// GetUnsubscribe возвращает отложенную отписку.
// GET /api/v1/unsubscribes/{id}
func (h *Handler) GetUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid unsubscribe id")
		return
	}

	u, err := h.unsubscribes.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "unsubscribe not found") {
		return
	}
	Success(w, u)
}
