package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shaiso/Fanout/internal/inspect"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/telemetry"
)

const maxInspectBody = 4 << 10

// InspectRequest — тело запроса разбора ссылки.
type InspectRequest struct {
	Link string `json:"link"`
}

// InspectLink разбирает ссылку через пул inspect-аккаунтов и возвращает
// дескриптор и link_hash, под которым ссылка попадёт в claim-протокол.
// POST /api/v1/links/inspect
func (h *Handler) InspectLink(w http.ResponseWriter, r *http.Request) {
	if h.links == nil {
		Unavailable(w, "link inspector is not configured")
		return
	}

	var req InspectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInspectBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	req.Link = strings.TrimSpace(req.Link)
	if req.Link == "" {
		BadRequest(w, "link is required")
		return
	}

	res, err := h.links.Inspect(r.Context(), req.Link)
	switch {
	case pool.IsNoCandidate(err):
		Unavailable(w, "no inspect account available")
		return
	case err != nil:
		InternalError(w, telemetry.FromContext(r.Context()), err)
		return
	}
	Success(w, InspectResultFromDomain(res))
}

// InspectResult — ответ разбора ссылки.
type InspectResult struct {
	Kind      string `json:"kind"`
	Canonical string `json:"canonical"`
	LinkHash  string `json:"link_hash"`
	ChatID    int64  `json:"chat_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Members   int    `json:"members,omitempty"`
	AccountID string `json:"account_id"`
}

// InspectResultFromDomain преобразует inspect.Result в DTO.
func InspectResultFromDomain(res *inspect.Result) InspectResult {
	return InspectResult{
		Kind:      string(res.Descriptor.Kind),
		Canonical: inspect.Canonical(res.Descriptor),
		LinkHash:  res.LinkHash,
		ChatID:    res.Chat.ChatID,
		Title:     res.Chat.Title,
		Members:   res.Chat.Members,
		AccountID: res.AccountID,
	}
}
