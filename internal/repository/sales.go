// Package repository is the durable side of the engine: sales, orders, the reconciliation
// log and archived events. Nothing here gates a reservation.
package repository

import (
	"context"
	"errors"
	"time"

	"flash_sale_engine/internal/model"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

type SaleRepository struct {
	DB *gorm.DB
}

func NewSaleRepository(db *gorm.DB) *SaleRepository {
	return &SaleRepository{DB: db}
}

func (r *SaleRepository) Create(ctx context.Context, s *model.FlashSale) error {
	return r.DB.WithContext(ctx).Create(s).Error
}

func (r *SaleRepository) Get(ctx context.Context, id string) (model.FlashSale, error) {
	var s model.FlashSale
	err := r.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.FlashSale{}, ErrNotFound
	}
	return s, err
}

func (r *SaleRepository) List(ctx context.Context) ([]model.FlashSale, error) {
	var list []model.FlashSale
	err := r.DB.WithContext(ctx).Order("start_time").Find(&list).Error
	return list, err
}

// ActiveSaleIDs 返回 now 时刻处于售卖窗口内且未取消的活动。
func (r *SaleRepository) ActiveSaleIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Model(&model.FlashSale{}).
		Where("cancelled = ? AND start_time <= ? AND end_time > ?", false, now, now).
		Order("start_time").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *SaleRepository) Cancel(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Model(&model.FlashSale{}).Where("id = ?", id).Update("cancelled", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
