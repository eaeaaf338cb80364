package domain

import (
	"time"

	"github.com/google/uuid"
)

// Quota — регулярное право клиента на ограниченное число действий по ссылке
// в пределах окна. В отличие от Order, по окончании окна квота обновляется.
type Quota struct {
	// ID — уникальный идентификатор квоты.
	ID uuid.UUID `json:"id"`

	// LinkURL — ссылка на канал.
	LinkURL string `json:"link"`

	// Descriptor — разобранная ссылка.
	Descriptor LinkDescriptor `json:"descriptor"`

	// State — счётчики текущего окна.
	State Progress `json:"progress"`

	// Exec — метаданные исполнения.
	Exec ExecMeta `json:"exec"`

	// RotateLastN — адресовать задачи по кругу последним N постам канала (0 — саму ссылку).
	RotateLastN int `json:"rotate_last_n"`

	// RotateCursor — позиция round-robin по снимку постов.
	RotateCursor int `json:"rotate_cursor"`

	// Posts — кэшированный снимок id последних постов.
	Posts PostSnapshot `json:"posts"`

	// WindowCron — cron-выражение границ окна (например, "0 0 * * *").
	WindowCron string `json:"window_cron,omitempty"`

	// WindowEndsAt — конец текущего окна.
	WindowEndsAt *time.Time `json:"window_ends_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

var _ Subject = (*Quota)(nil)

func (q *Quota) Kind() SubjectKind    { return SubjectQuota }
func (q *Quota) SubjectID() uuid.UUID { return q.ID }
func (q *Quota) Progress() *Progress  { return &q.State }
func (q *Quota) Meta() *ExecMeta      { return &q.Exec }
func (q *Quota) Drip() *Dripfeed      { return nil }

// Link возвращает ссылку и её дескриптор.
func (q *Quota) Link() (string, LinkDescriptor) {
	return q.LinkURL, q.Descriptor
}

// Rotates возвращает true, если задачи распределяются по последним постам.
func (q *Quota) Rotates() bool {
	return q.RotateLastN > 0
}

// NextPost возвращает следующий пост по round-robin и сдвигает курсор.
// ok=false, если снимок пуст.
func (q *Quota) NextPost() (postID int64, ok bool) {
	if len(q.Posts.PostIDs) == 0 {
		return 0, false
	}
	idx := q.RotateCursor % len(q.Posts.PostIDs)
	if idx < 0 {
		idx = 0
	}
	q.RotateCursor = (idx + 1) % len(q.Posts.PostIDs)
	return q.Posts.PostIDs[idx], true
}

// WindowExpired проверяет, закончилось ли текущее окно.
func (q *Quota) WindowExpired(now time.Time) bool {
	return q.WindowEndsAt != nil && !q.WindowEndsAt.After(now)
}

// RenewWindow открывает новое окно квоты.
func (q *Quota) RenewWindow(endsAt, now time.Time) {
	q.State.Delivered = 0
	q.State.Remains = q.State.Quantity
	q.State.Status = SubjectStatusPending
	q.State.LastError = ""
	q.State.LastErrorAt = nil
	q.WindowEndsAt = &endsAt
	q.Exec.NextRunAt = &now
	q.UpdatedAt = now
}

// PostSnapshot — кэшированный список последних постов канала.
type PostSnapshot struct {
	PostIDs     []int64    `json:"post_ids,omitempty"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

// Stale проверяет, устарел ли снимок.
func (s PostSnapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return s.RefreshedAt == nil || now.Sub(*s.RefreshedAt) >= maxAge || len(s.PostIDs) == 0
}
