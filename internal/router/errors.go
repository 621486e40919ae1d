package router

import (
	"context"
	"errors"
	"net/http"

	"flash_sale_engine/internal/admission"
	"flash_sale_engine/internal/checkout"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/repository"
	"flash_sale_engine/internal/reservation"

	"github.com/gin-gonic/gin"
)

// statusOf 把领域错误映射到 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, checkout.ErrInvalidQuantity),
		errors.Is(err, checkout.ErrInvalidSale),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, reservation.ErrInvalidInput),
		errors.Is(err, admission.ErrInvalidAdvance):
		return http.StatusBadRequest
	case errors.Is(err, checkout.ErrSaleNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, admission.ErrNotQueued),
		errors.Is(err, reservation.ErrReservationNotFound),
		errors.Is(err, inventory.ErrSaleNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrInsufficientInventory),
		errors.Is(err, inventory.ErrNegativeAdjustment),
		errors.Is(err, checkout.ErrSaleNotActive),
		errors.Is(err, admission.ErrNotAdmitted),
		errors.Is(err, admission.ErrHoldActive),
		errors.Is(err, admission.ErrEntryClosed):
		return http.StatusConflict
	case errors.Is(err, reservation.ErrReservationExpired),
		errors.Is(err, admission.ErrAdmissionExpired):
		return http.StatusGone
	case errors.Is(err, inventory.ErrStoreUnavailable),
		errors.Is(err, reservation.ErrStoreUnavailable),
		errors.Is(err, admission.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	c.JSON(code, gin.H{"code": code, "msg": err.Error()})
}
