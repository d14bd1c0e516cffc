package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType описывает тип события Kafka.
type EventType string

const (
	EventTypeCouponIssueRequested EventType = "coupon.issue_requested"
	EventTypeCouponIssued         EventType = "coupon.issued"
)

// Event представляет событие, передаваемое через Kafka.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent создаёт событие с сериализованными данными.
func NewEvent(eventType EventType, data interface{}) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      payload,
		CreatedAt: time.Now(),
	}, nil
}

// CouponIssueMessage — полезная нагрузка запроса на асинхронную выдачу.
// Сообщения с одинаковым coupon_id попадают в одну партицию и
// обрабатываются в порядке отправки.
type CouponIssueMessage struct {
	CouponID int64 `json:"coupon_id"`
	UserID   int64 `json:"user_id"`
}

// CouponIssuedMessage — уведомление об успешной выдаче.
type CouponIssuedMessage struct {
	CouponID     int64     `json:"coupon_id"`
	UserID       int64     `json:"user_id"`
	UserCouponID uuid.UUID `json:"user_coupon_id"`
}
