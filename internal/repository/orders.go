package repository

import (
	"context"
	"errors"

	"flash_sale_engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderRepository struct {
	DB *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{DB: db}
}

// Record 以 reservation_id 唯一约束幂等落单，重复写入返回已有订单与 created=false。
func (r *OrderRepository) Record(ctx context.Context, o *model.Order) (bool, error) {
	res := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reservation_id"}}, DoNothing: true}).
		Create(o)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	existing, err := r.FindByReservation(ctx, o.ReservationID)
	if err != nil {
		return false, err
	}
	*o = existing
	return false, nil
}

func (r *OrderRepository) FindByReservation(ctx context.Context, reservationID string) (model.Order, error) {
	var o model.Order
	err := r.DB.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

// SumFinalized 返回活动已成交的总件数。
func (r *OrderRepository) SumFinalized(ctx context.Context, saleID string) (int64, error) {
	var total int64
	err := r.DB.WithContext(ctx).Model(&model.Order{}).
		Where("sale_id = ?", saleID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	return total, err
}
