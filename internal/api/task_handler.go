package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/scheduler"
	"github.com/shaiso/Fanout/internal/telemetry"
)

const maxReportBody = 1 << 20

// ListTasks возвращает задачи с фильтрацией.
// GET /api/v1/tasks?status=...&subject_id=...&account_id=...&limit=...&offset=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	filter := repo.TaskFilter{Limit: page.Limit, Offset: page.Offset}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.TaskStatus(s)
		if !status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}
	if filter.SubjectID, err = parseUUIDParam(r, "subject_id"); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if filter.AccountID, err = parseUUIDParam(r, "account_id"); err != nil {
		BadRequest(w, err.Error())
		return
	}

	tasks, err := h.tasks.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = TaskFromDomain(t)
	}
	List(w, out, len(out), page)
}

// GetTask возвращает задачу.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	t, err := h.tasks.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task not found") {
		return
	}
	Success(w, TaskFromDomain(t))
}

// ReportTask принимает результат задачи от внешнего исполнителя.
// POST /api/v1/tasks/{id}/report
//
// Повторный отчёт по завершённой задаче отвечает 200 со статусом duplicate.
func (h *Handler) ReportTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	var req ReportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	status, err := h.reporter.ReportTaskResult(r.Context(), id, &req)
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		NotFound(w, "task not found")
		return
	case errors.Is(err, scheduler.ErrInvalidResult):
		InvalidState(w, err.Error())
		return
	case err != nil:
		InternalError(w, telemetry.FromContext(r.Context()), err)
		return
	}

	telemetry.WithTaskID(telemetry.FromContext(r.Context()), id).Info("task report accepted", "status", status)
	Success(w, ReportResponse{TaskID: id, Status: status})
}
