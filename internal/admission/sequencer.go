// Package admission assigns queue positions per sale and decides who may attempt a reservation.
//
// Positions come from a per-sale atomic counter and are never reused. The watermark is the
// highest admitted position; admission is always a prefix of the queue.
package admission

import (
	"context"
	"errors"
	"log"
	"time"

	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/events"
	"flash_sale_engine/internal/metrics"
)

// QueueStatus is what a participant sees when polling.
type QueueStatus struct {
	SaleID               string     `json:"sale_id"`
	UserID               string     `json:"user_id"`
	Position             int64      `json:"position"`
	Status               Status     `json:"status"`
	Admitted             bool       `json:"admitted"`
	Watermark            int64      `json:"watermark"`
	Ahead                int64      `json:"ahead"`
	EstimatedWaitSeconds int64      `json:"estimated_wait_seconds"`
	AdmittedAt           *time.Time `json:"admitted_at,omitempty"`
	Hold                 string     `json:"reservation_id,omitempty"`
}

type Sequencer struct {
	store   Store
	clock   clock.Clock
	events  events.Publisher
	perTick int64
	tick    time.Duration
	window  time.Duration
}

type Option func(*Sequencer)

// WithAdmissionRate sets how many positions the admitter lets in per tick.
func WithAdmissionRate(perTick int64, tick time.Duration) Option {
	return func(s *Sequencer) {
		if perTick > 0 && tick > 0 {
			s.perTick = perTick
			s.tick = tick
		}
	}
}

// WithAdmissionWindow bounds how long an admitted entry may wait before reserving.
// Zero disables expiry.
func WithAdmissionWindow(d time.Duration) Option {
	return func(s *Sequencer) {
		if d >= 0 {
			s.window = d
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Sequencer) {
		if p != nil {
			s.events = p
		}
	}
}

func NewSequencer(store Store, clk clock.Clock, opts ...Option) *Sequencer {
	s := &Sequencer{
		store:   store,
		clock:   clk,
		events:  events.Discard{},
		perTick: 50,
		tick:    time.Second,
		window:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join enqueues the user. A repeated join returns the existing entry with ErrAlreadyQueued.
func (s *Sequencer) Join(ctx context.Context, saleID, userID string) (Entry, error) {
	now := s.clock.Now()
	e, created, err := s.store.Join(ctx, saleID, userID, now)
	if err != nil {
		return Entry{}, err
	}
	if !created {
		metrics.QueueJoins.WithLabelValues("duplicate").Inc()
		return e, ErrAlreadyQueued
	}
	metrics.QueueJoins.WithLabelValues("new").Inc()
	s.events.Publish(events.Event{Type: events.QueueJoined, SaleID: saleID, UserID: userID, OccurredAt: now})
	return e, nil
}

func (s *Sequencer) Status(ctx context.Context, saleID, userID string) (QueueStatus, error) {
	rec, err := s.store.Lookup(ctx, saleID, userID)
	if err != nil {
		return QueueStatus{}, err
	}
	return s.view(rec, s.clock.Now()), nil
}

func (s *Sequencer) view(rec Record, now time.Time) QueueStatus {
	st := QueueStatus{
		SaleID:    rec.SaleID,
		UserID:    rec.UserID,
		Position:  rec.Position,
		Status:    s.derive(rec, now),
		Admitted:  rec.Position <= rec.Watermark,
		Watermark: rec.Watermark,
		Hold:      rec.Hold,
	}
	if !rec.AdmittedAt.IsZero() {
		at := rec.AdmittedAt
		st.AdmittedAt = &at
	}
	if !st.Admitted {
		st.Ahead = rec.Position - rec.Watermark
		st.EstimatedWaitSeconds = s.estimateWait(st.Ahead)
	}
	return st
}

func (s *Sequencer) derive(rec Record, now time.Time) Status {
	switch rec.State {
	case StatusPurchased, StatusRemoved:
		return rec.State
	}
	if rec.Position > rec.Watermark {
		return StatusWaiting
	}
	if s.window > 0 && rec.Hold == "" && !rec.AdmittedAt.IsZero() && !now.Before(rec.AdmittedAt.Add(s.window)) {
		return StatusExpired
	}
	return StatusAdmitted
}

// estimateWait converts the number of positions ahead into seconds at the admission rate.
func (s *Sequencer) estimateWait(ahead int64) int64 {
	if ahead <= 0 {
		return 0
	}
	ticks := (ahead + s.perTick - 1) / s.perTick
	wait := time.Duration(ticks) * s.tick
	return int64((wait + time.Second - 1) / time.Second)
}

// AdvanceWatermark admits up to by more positions. It is the only way waiting becomes admitted.
func (s *Sequencer) AdvanceWatermark(ctx context.Context, saleID string, by int64) (int64, error) {
	if by <= 0 {
		return 0, ErrInvalidAdvance
	}
	before, err := s.store.Snapshot(ctx, saleID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	wm, err := s.store.Advance(ctx, saleID, by, now)
	if err != nil {
		return 0, err
	}
	metrics.QueueWatermark.WithLabelValues(saleID).Set(float64(wm))
	if wm > before.Watermark {
		s.events.Publish(events.Event{
			Type:       events.WatermarkAdvanced,
			SaleID:     saleID,
			Quantity:   wm - before.Watermark,
			OccurredAt: now,
		})
	}
	return wm, nil
}

// Leave marks the entry removed. Its position is never handed out again.
func (s *Sequencer) Leave(ctx context.Context, saleID, userID string) error {
	if err := s.store.Transition(ctx, saleID, userID, StatusRemoved); err != nil {
		return err
	}
	s.events.Publish(events.Event{Type: events.QueueLeft, SaleID: saleID, UserID: userID, OccurredAt: s.clock.Now()})
	return nil
}

// Claim binds a reservation id to an admitted entry; an entry holds at most one at a time.
func (s *Sequencer) Claim(ctx context.Context, saleID, userID, reservationID string) error {
	rec, err := s.store.Lookup(ctx, saleID, userID)
	if err != nil {
		return err
	}
	switch s.derive(rec, s.clock.Now()) {
	case StatusWaiting:
		return ErrNotAdmitted
	case StatusExpired:
		return ErrAdmissionExpired
	case StatusPurchased, StatusRemoved:
		return ErrEntryClosed
	}
	return s.store.Claim(ctx, saleID, userID, reservationID)
}

func (s *Sequencer) Unclaim(ctx context.Context, saleID, userID, reservationID string) error {
	_, err := s.store.Unclaim(ctx, saleID, userID, reservationID)
	return err
}

func (s *Sequencer) MarkPurchased(ctx context.Context, saleID, userID string) error {
	return s.store.Transition(ctx, saleID, userID, StatusPurchased)
}

func (s *Sequencer) Snapshot(ctx context.Context, saleID string) (Snapshot, error) {
	return s.store.Snapshot(ctx, saleID)
}

// ActiveSales lists the sales the admitter should advance.
type ActiveSales interface {
	ActiveSaleIDs(ctx context.Context, now time.Time) ([]string, error)
}

// RunAdmitter advances every active sale's watermark by the configured rate on each tick.
func (s *Sequencer) RunAdmitter(ctx context.Context, sales ActiveSales) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	log.Printf("admission: admitter started per_tick=%d tick=%s", s.perTick, s.tick)
	for {
		select {
		case <-ticker.C:
			s.admitTick(ctx, sales)
		case <-ctx.Done():
			log.Printf("admission: admitter stopped")
			return
		}
	}
}

func (s *Sequencer) admitTick(ctx context.Context, sales ActiveSales) {
	ids, err := sales.ActiveSaleIDs(ctx, s.clock.Now())
	if err != nil {
		log.Printf("admission: list active sales: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := s.AdvanceWatermark(ctx, id, s.perTick); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("admission: advance sale=%s: %v", id, err)
		}
	}
}
