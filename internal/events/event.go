package events

import (
	"time"
)

// Type 是领域事件类型。
type Type string

const (
	QueueJoined          Type = "queue_joined"
	QueueLeft            Type = "queue_left"
	WatermarkAdvanced    Type = "watermark_advanced"
	ReservationCreated   Type = "reservation_created"
	ReservationFinalized Type = "reservation_finalized"
	ReservationReleased  Type = "reservation_released"
	ReservationExpired   Type = "reservation_expired"
	InventoryExhausted   Type = "inventory_exhausted"
	DriftDetected        Type = "drift_detected"
)

// Event 是不可变的领域事件，供分析/告警等外部协作方消费。
type Event struct {
	ID            string    `json:"event_id"`
	Type          Type      `json:"type"`
	SaleID        string    `json:"sale_id"`
	UserID        string    `json:"user_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Quantity      int64     `json:"quantity"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher 发布事件，实现必须不阻塞调用方。
type Publisher interface {
	Publish(ev Event)
}

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(Event) {}
