package model

import "time"

type SyncKind string

const (
	SyncCheck  SyncKind = "check"
	SyncRepair SyncKind = "repair"
)

// InventorySyncLog 记录每一次对账或修复，修复行的 Difference 为实际调整前的差值。
type InventorySyncLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	SaleID       string   `gorm:"size:36;not null;index" json:"sale_id"`
	Kind         SyncKind `gorm:"size:16;not null" json:"kind"`
	StoreCount   int64    `json:"store_count"`
	DurableCount int64    `json:"durable_count"`
	Outstanding  int64    `json:"outstanding"`
	Finalized    int64    `json:"finalized"`
	Difference   int64    `json:"difference"`
	Drift        bool     `json:"drift"`
	Operator     string   `gorm:"size:64" json:"operator"`
	Note         string   `gorm:"size:255" json:"note"`
}

func (InventorySyncLog) TableName() string { return "inventory_sync_log" }
