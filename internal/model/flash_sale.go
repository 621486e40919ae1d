package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SaleStatus 由时间窗与取消标记在某一时刻推导，不落库。
type SaleStatus string

const (
	SaleUpcoming  SaleStatus = "upcoming"
	SaleActive    SaleStatus = "active"
	SaleEnded     SaleStatus = "ended"
	SaleCancelled SaleStatus = "cancelled"
)

// FlashSale 秒杀活动：商品、总量、单次限购、时间窗。
type FlashSale struct {
	ID        string         `gorm:"size:36;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID string `gorm:"size:64;not null;index" json:"product_id"`
	Name      string `gorm:"size:128;not null" json:"name"`
	// TotalQuantity 是初始总量；实时可售数量只存在于计数存储中。
	TotalQuantity     int64     `gorm:"not null" json:"total_quantity"`
	MaxPerReservation int64     `gorm:"not null;default:1" json:"max_per_reservation"`
	StartTime         time.Time `gorm:"not null;index" json:"start_time"`
	EndTime           time.Time `gorm:"not null;index" json:"end_time"`
	Cancelled         bool      `gorm:"not null;default:false" json:"cancelled"`
}

func (FlashSale) TableName() string { return "flash_sales" }

func (s *FlashSale) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// StatusAt 返回 now 时刻的活动状态，窗口为 [StartTime, EndTime)。
func (s FlashSale) StatusAt(now time.Time) SaleStatus {
	switch {
	case s.Cancelled:
		return SaleCancelled
	case now.Before(s.StartTime):
		return SaleUpcoming
	case now.Before(s.EndTime):
		return SaleActive
	default:
		return SaleEnded
	}
}
