package model

import "time"

// SaleEvent 是从 Kafka 归档的领域事件，EventID 唯一保证重复消费幂等。
type SaleEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID       string    `gorm:"size:36;uniqueIndex;not null" json:"event_id"`
	Type          string    `gorm:"size:32;not null;index" json:"type"`
	SaleID        string    `gorm:"size:36;index" json:"sale_id"`
	UserID        string    `gorm:"size:64" json:"user_id"`
	ReservationID string    `gorm:"size:64" json:"reservation_id"`
	Quantity      int64     `json:"quantity"`
	OccurredAt    time.Time `gorm:"index" json:"occurred_at"`
}

func (SaleEvent) TableName() string { return "sale_events" }
