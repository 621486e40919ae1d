// Package inventory holds the authoritative per-sale "available units" counter.
// Every mutation is a single indivisible operation on the backing store.
package inventory

import (
	"context"
	"errors"
)

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrStoreUnavailable      = errors.New("inventory store unavailable")
	ErrSaleNotLoaded         = errors.New("sale inventory not loaded")
	ErrInvalidQuantity       = errors.New("quantity must be > 0")
	ErrNegativeAdjustment    = errors.New("adjustment would make inventory negative")
)

// Stock is a display value returned by Peek.
type Stock struct {
	Available int64 `json:"available"`
	// Stale is set when the store could not be reached and the last known value was served.
	Stale bool `json:"stale"`
}

type Counter interface {
	// TryDecrement removes qty units iff at least qty are available.
	TryDecrement(ctx context.Context, saleID string, qty int64) (remaining int64, err error)
	// Increment restores qty units. A non-empty guard makes the call apply at most once.
	Increment(ctx context.Context, saleID string, qty int64, guard string) (remaining int64, applied bool, err error)
	// Available is an authoritative read. Never use it to gate a decrement.
	Available(ctx context.Context, saleID string) (int64, error)
	// Peek is a display read that may fall back to the last known value.
	Peek(ctx context.Context, saleID string) (Stock, error)
	// Load seeds the counter. Without overwrite an existing counter is left alone.
	Load(ctx context.Context, saleID string, qty int64, overwrite bool) (loaded bool, err error)
	// Adjust applies a signed correction for the audited repair path.
	Adjust(ctx context.Context, saleID string, delta int64) (int64, error)
}
