package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/scheduler"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Page — параметры постраничной выдачи.
type Page struct {
	Limit  int
	Offset int
}

// parsePage читает limit/offset из query. Некорректные значения — ошибка.
func parsePage(r *http.Request) (Page, error) {
	p := Page{Limit: defaultLimit}
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return p, errInvalidParam("limit")
		}
		p.Limit = min(n, maxLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, errInvalidParam("offset")
		}
		p.Offset = n
	}
	return p, nil
}

// parseUUIDParam читает необязательный uuid из query.
func parseUUIDParam(r *http.Request, name string) (*uuid.UUID, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errInvalidParam(name)
	}
	return &id, nil
}

type paramError string

func (e paramError) Error() string { return "invalid " + string(e) }

func errInvalidParam(name string) error { return paramError(name) }

// TaskResponse — задача в ответе API.
type TaskResponse struct {
	ID             uuid.UUID          `json:"id"`
	SubjectKind    domain.SubjectKind `json:"subject_kind,omitempty"`
	SubjectID      *uuid.UUID         `json:"subject_id,omitempty"`
	UnsubscribeID  *uuid.UUID         `json:"unsubscribe_id,omitempty"`
	Action         domain.Action      `json:"action"`
	LinkHash       string             `json:"link_hash"`
	Link           string             `json:"link"`
	Executor       string             `json:"executor,omitempty"`
	AccountID      uuid.UUID          `json:"account_id"`
	Status         domain.TaskStatus  `json:"status"`
	Attempt        int                `json:"attempt"`
	LeaseExpiresAt *time.Time         `json:"lease_expires_at,omitempty"`
	Result         *domain.ExecResult `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		SubjectKind:    t.SubjectKind,
		SubjectID:      t.SubjectID,
		UnsubscribeID:  t.UnsubscribeID,
		Action:         t.Action,
		LinkHash:       t.LinkHash,
		Link:           t.Payload.Link,
		Executor:       t.Payload.Executor,
		AccountID:      t.AccountID,
		Status:         t.Status,
		Attempt:        t.Attempt,
		LeaseExpiresAt: t.LeaseExpiresAt,
		Result:         t.Result,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		FinishedAt:     t.FinishedAt,
	}
}

// ReportRequest — тело POST /api/v1/tasks/{id}/report.
// Тот же контракт, что у очереди tasks.reported.
type ReportRequest = domain.ExecResult

// ReportResponse — итог применения отчёта.
type ReportResponse struct {
	TaskID uuid.UUID              `json:"task_id"`
	Status scheduler.ReportStatus `json:"status"`
}

// SubjectResponse — заказ или квота в ответе API.
type SubjectResponse struct {
	Kind      domain.SubjectKind `json:"kind"`
	ID        uuid.UUID          `json:"id"`
	Link      string             `json:"link"`
	Progress  domain.Progress    `json:"progress"`
	Exec      domain.ExecMeta    `json:"exec"`
	Dripfeed  *domain.Dripfeed   `json:"dripfeed,omitempty"`
	WindowEnd *time.Time         `json:"window_ends_at,omitempty"`
}

// SubjectFromDomain конвертирует субъект в SubjectResponse.
func SubjectFromDomain(s domain.Subject) SubjectResponse {
	link, _ := s.Link()
	out := SubjectResponse{
		Kind:     s.Kind(),
		ID:       s.SubjectID(),
		Link:     link,
		Progress: *s.Progress(),
		Exec:     *s.Meta(),
	}
	if d := s.Drip(); d != nil && d.Enabled {
		cp := *d
		out.Dripfeed = &cp
	}
	if q, ok := s.(*domain.Quota); ok {
		out.WindowEnd = q.WindowEndsAt
	}
	return out
}
