package admission

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyQueued    = errors.New("already queued")
	ErrNotQueued        = errors.New("not queued")
	ErrNotAdmitted      = errors.New("not admitted yet")
	ErrAdmissionExpired = errors.New("admission window expired")
	ErrHoldActive       = errors.New("entry already holds a reservation")
	ErrEntryClosed      = errors.New("queue entry is closed")
	ErrInvalidAdvance   = errors.New("watermark advance must be > 0")
	// ErrStoreUnavailable 表示共享排队存储不可达或超时，调用方应按失败处理。
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAdmitted  Status = "admitted"
	StatusPurchased Status = "purchased"
	StatusExpired   Status = "expired"
	StatusRemoved   Status = "removed"
)

// Entry is the stored part of a queue entry. State is one of waiting, purchased or removed;
// admitted and expired are derived from the watermark.
type Entry struct {
	SaleID   string    `json:"sale_id"`
	UserID   string    `json:"user_id"`
	Position int64     `json:"position"`
	JoinedAt time.Time `json:"joined_at"`
	State    Status    `json:"state"`
}

// Record is an entry read together with the queue state it is judged against.
type Record struct {
	Entry
	Hold      string
	Watermark int64
	// AdmittedAt is zero while the position is above the watermark.
	AdmittedAt time.Time
}

type Snapshot struct {
	SaleID    string `json:"sale_id"`
	Tail      int64  `json:"tail"`
	Watermark int64  `json:"watermark"`
	Depth     int64  `json:"depth"`
}

// Store keeps the per-sale position counter, entries, watermark and admission log.
// Every method is one indivisible operation.
type Store interface {
	// Join assigns the next position, or returns the existing entry with created=false.
	Join(ctx context.Context, saleID, userID string, now time.Time) (entry Entry, created bool, err error)
	Lookup(ctx context.Context, saleID, userID string) (Record, error)
	// Advance grows the watermark by at most by, capped at the tail position.
	Advance(ctx context.Context, saleID string, by int64, now time.Time) (int64, error)
	// Transition moves a waiting entry to removed or purchased.
	Transition(ctx context.Context, saleID, userID string, to Status) error
	Claim(ctx context.Context, saleID, userID, reservationID string) error
	Unclaim(ctx context.Context, saleID, userID, reservationID string) (bool, error)
	Snapshot(ctx context.Context, saleID string) (Snapshot, error)
}
