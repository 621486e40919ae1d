package model

import (
	"time"

	"gorm.io/gorm"
)

// Order 结算成功后落库的订单，一个预占最多对应一笔订单。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ReservationID string `gorm:"size:64;uniqueIndex;not null" json:"reservation_id"`
	OrderNo       string `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	SaleID        string `gorm:"size:36;not null;index" json:"sale_id"`
	ProductID     string `gorm:"size:64;not null" json:"product_id"`
	UserID        string `gorm:"size:64;index" json:"user_id"`
	Quantity      int64  `gorm:"not null" json:"quantity"`
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }
