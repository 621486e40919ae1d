// Package reservation owns the time-boxed holds that back every counter decrement.
//
// A reservation moves created(held) → finalized, or created → releasing → released.
// Expired holds are released by the sweeper or lazily on the next touch.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/events"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/metrics"

	"github.com/google/uuid"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultSweepBatch = 500
)

type Ledger struct {
	store      Store
	counter    inventory.Counter
	clock      clock.Clock
	events     events.Publisher
	ttl        time.Duration
	sweepBatch int
}

type Option func(*Ledger)

// WithTTL overrides the default hold TTL.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.events = p
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepBatch = n
		}
	}
}

func NewLedger(store Store, counter inventory.Counter, clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		counter:    counter,
		clock:      clk,
		events:     events.Discard{},
		ttl:        defaultTTL,
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type CreateInput struct {
	// ID is optional; a uuid is minted when empty.
	ID        string
	SaleID    string
	ProductID string
	UserID    string
	Quantity  int64
	TTL       time.Duration
}

// Create decrements the counter and records the hold. If the record cannot be written the
// decrement is compensated before the error is returned.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (Reservation, error) {
	if in.SaleID == "" || in.Quantity <= 0 {
		return Reservation{}, ErrInvalidInput
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = l.ttl
	}

	remaining, err := l.counter.TryDecrement(ctx, in.SaleID, in.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, inventory.ErrInsufficientInventory):
			metrics.ReservationAttempts.WithLabelValues("insufficient").Inc()
		case errors.Is(err, inventory.ErrStoreUnavailable):
			metrics.ReservationAttempts.WithLabelValues("unavailable").Inc()
		default:
			metrics.ReservationAttempts.WithLabelValues("error").Inc()
		}
		return Reservation{}, err
	}
	metrics.StockLevel.WithLabelValues(in.SaleID).Set(float64(remaining))

	now := l.clock.Now()
	r := Reservation{
		ID:        id,
		SaleID:    in.SaleID,
		ProductID: in.ProductID,
		UserID:    in.UserID,
		Quantity:  in.Quantity,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		State:     StateHeld,
	}
	if err := l.store.Put(ctx, r); err != nil {
		metrics.ReservationAttempts.WithLabelValues("error").Inc()
		return Reservation{}, l.compensate(ctx, r, err)
	}

	metrics.ReservationAttempts.WithLabelValues("ok").Inc()
	l.events.Publish(events.Event{
		Type:          events.ReservationCreated,
		SaleID:        r.SaleID,
		UserID:        r.UserID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		OccurredAt:    now,
	})
	if remaining == 0 {
		l.events.Publish(events.Event{Type: events.InventoryExhausted, SaleID: r.SaleID, OccurredAt: now})
	}
	return r, nil
}

// restoreGuard 是某个预占回补库存的唯一幂等键，补偿和释放共用，保证最多回补一次。
func restoreGuard(id string) string {
	return "restore:" + id
}

// compensate restores units taken by a decrement whose ledger write failed.
// The write may still have landed, so the record is removed best-effort and any later
// release of it finds the guard already set.
func (l *Ledger) compensate(ctx context.Context, r Reservation, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, ErrDuplicateID) {
		// 记录属于另一个预占，不能动它的回补标记
		if _, _, err := l.counter.Increment(ctx, r.SaleID, r.Quantity, "compensate:"+uuid.NewString()); err != nil {
			return errors.Join(cause, fmt.Errorf("compensate: %w", err))
		}
		return cause
	}
	_, applied, err := l.counter.Increment(ctx, r.SaleID, r.Quantity, restoreGuard(r.ID))
	if err != nil {
		log.Printf("reservation: compensate failed id=%s sale=%s qty=%d: %v", r.ID, r.SaleID, r.Quantity, err)
		return errors.Join(fmt.Errorf("record reservation: %w", cause), fmt.Errorf("compensate: %w", err))
	}
	if applied {
		metrics.ReservationReleases.WithLabelValues("compensate").Inc()
	}
	if _, err := l.store.Delete(ctx, r.ID); err != nil {
		log.Printf("reservation: compensate cleanup id=%s: %v", r.ID, err)
	}
	return fmt.Errorf("record reservation: %w", cause)
}

// Finalize consumes the hold permanently; the counter is not touched.
func (l *Ledger) Finalize(ctx context.Context, id string) (Reservation, error) {
	r, err := l.store.Finalize(ctx, id, l.clock.Now())
	if err != nil {
		if errors.Is(err, ErrReservationExpired) {
			if _, relErr := l.release(ctx, id, events.ReservationExpired); relErr != nil && !errors.Is(relErr, ErrReservationNotFound) {
				log.Printf("reservation: lazy release id=%s: %v", id, relErr)
			}
		}
		return Reservation{}, err
	}
	metrics.ReservationFinalized.Inc()
	l.events.Publish(events.Event{
		Type:          events.ReservationFinalized,
		SaleID:        r.SaleID,
		UserID:        r.UserID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		OccurredAt:    l.clock.Now(),
	})
	return r, nil
}

// Release returns the held units to the counter. Calling it again is a no-op that reports
// ErrReservationNotFound.
func (l *Ledger) Release(ctx context.Context, id string) (bool, error) {
	return l.release(ctx, id, events.ReservationReleased)
}

func (l *Ledger) release(ctx context.Context, id string, kind events.Type) (bool, error) {
	r, err := l.store.MarkReleasing(ctx, id)
	if err != nil {
		return false, err
	}
	// guard 保证即使多个释放方并发或中途失败重试，也只回补一次
	remaining, applied, err := l.counter.Increment(ctx, r.SaleID, r.Quantity, restoreGuard(r.ID))
	if err != nil {
		return false, fmt.Errorf("restore units for %s: %w", id, err)
	}
	if _, err := l.store.Delete(ctx, id); err != nil {
		return applied, fmt.Errorf("delete released %s: %w", id, err)
	}
	if !applied {
		return false, nil
	}

	reason := "cancel"
	if kind == events.ReservationExpired {
		reason = "expired"
	}
	metrics.ReservationReleases.WithLabelValues(reason).Inc()
	metrics.StockLevel.WithLabelValues(r.SaleID).Set(float64(remaining))
	l.events.Publish(events.Event{
		Type:          kind,
		SaleID:        r.SaleID,
		UserID:        r.UserID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		OccurredAt:    l.clock.Now(),
	})
	return true, nil
}

// SweepExpired releases one batch of lapsed holds and returns how many restored units.
// Concurrent sweepers may see the same ids; only one of them restores each hold.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	ids, err := l.store.Due(ctx, l.clock.Now(), l.sweepBatch)
	if err != nil {
		return 0, err
	}
	released := 0
	var firstErr error
	for _, id := range ids {
		ok, err := l.release(ctx, id, events.ReservationExpired)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			released++
		}
	}
	return released, firstErr
}

// RunSweeper calls SweepExpired on every tick until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("reservation: sweeper started interval=%s", interval)
	for {
		select {
		case <-ticker.C:
			n, err := l.SweepExpired(ctx)
			if err != nil {
				log.Printf("reservation: sweep: %v", err)
			}
			if n > 0 {
				log.Printf("reservation: sweep released=%d", n)
			}
		case <-ctx.Done():
			log.Printf("reservation: sweeper stopped")
			return
		}
	}
}

func (l *Ledger) Get(ctx context.Context, id string) (Reservation, error) {
	return l.store.Get(ctx, id)
}

// Outstanding sums the quantity and count of holds not yet finalized or released.
func (l *Ledger) Outstanding(ctx context.Context, saleID string) (int64, int64, error) {
	return l.store.Outstanding(ctx, saleID)
}
