package repository

import (
	"context"

	"flash_sale_engine/internal/model"

	"gorm.io/gorm"
)

type SyncLogRepository struct {
	DB *gorm.DB
}

func NewSyncLogRepository(db *gorm.DB) *SyncLogRepository {
	return &SyncLogRepository{DB: db}
}

func (r *SyncLogRepository) Append(ctx context.Context, row *model.InventorySyncLog) error {
	return r.DB.WithContext(ctx).Create(row).Error
}

// Recent 按时间倒序返回最近 limit 条记录。
func (r *SyncLogRepository) Recent(ctx context.Context, saleID string, limit int) ([]model.InventorySyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []model.InventorySyncLog
	err := r.DB.WithContext(ctx).
		Where("sale_id = ?", saleID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
