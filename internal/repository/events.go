package repository

import (
	"context"

	"flash_sale_engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepository struct {
	DB *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{DB: db}
}

// Save 归档一条事件；重复的 event_id 被忽略，返回 false。
func (r *EventRepository) Save(ctx context.Context, ev *model.SaleEvent) (bool, error) {
	res := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *EventRepository) Recent(ctx context.Context, saleID string, limit int) ([]model.SaleEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.SaleEvent
	err := r.DB.WithContext(ctx).
		Where("sale_id = ?", saleID).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
