package reservation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrDuplicateID         = errors.New("reservation id already exists")
	ErrInvalidInput        = errors.New("invalid reservation input")
	ErrStoreUnavailable    = errors.New("reservation store unavailable")
)

type State string

const (
	StateHeld      State = "held"
	StateReleasing State = "releasing"
)

// Reservation is a TTL-bounded hold on units already removed from the counter.
type Reservation struct {
	ID        string    `json:"reservation_id"`
	SaleID    string    `json:"sale_id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id,omitempty"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	State     State     `json:"state"`
}

// ExpiredAt reports whether the hold has lapsed at now.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists ledger records. Every method is one indivisible operation.
type Store interface {
	Put(ctx context.Context, r Reservation) error
	Get(ctx context.Context, id string) (Reservation, error)
	// Finalize deletes a held, unexpired record and returns it.
	Finalize(ctx context.Context, id string, now time.Time) (Reservation, error)
	// MarkReleasing flips a record to releasing and returns it; already releasing records are returned as is.
	MarkReleasing(ctx context.Context, id string) (Reservation, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Due lists ids whose expiry is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Outstanding(ctx context.Context, saleID string) (qty int64, count int64, err error)
}
