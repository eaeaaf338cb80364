package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order — заказ на выполнение действий, пришедший с маркетплейса.
type Order struct {
	// ID — уникальный идентификатор заказа.
	ID uuid.UUID `json:"id"`

	// ExternalID — идентификатор заказа у маркетплейса.
	ExternalID string `json:"external_id,omitempty"`

	// LinkURL — исходная ссылка.
	LinkURL string `json:"link"`

	// Descriptor — разобранная ссылка.
	Descriptor LinkDescriptor `json:"descriptor"`

	// Progress — счётчики и статус.
	State Progress `json:"progress"`

	// Exec — метаданные исполнения.
	Exec ExecMeta `json:"exec"`

	// Dripfeed — параметры постепенной доставки.
	Dripfeed Dripfeed `json:"dripfeed"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

var _ Subject = (*Order)(nil)

func (o *Order) Kind() SubjectKind    { return SubjectOrder }
func (o *Order) SubjectID() uuid.UUID { return o.ID }
func (o *Order) Progress() *Progress  { return &o.State }
func (o *Order) Meta() *ExecMeta      { return &o.Exec }
func (o *Order) Drip() *Dripfeed      { return &o.Dripfeed }

// Link возвращает ссылку и её дескриптор.
func (o *Order) Link() (string, LinkDescriptor) {
	return o.LinkURL, o.Descriptor
}
