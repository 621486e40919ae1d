package reservation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type outstanding struct {
	qty   int64
	count int64
}

// MemoryStore keeps the ledger in process for the embedded backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Reservation
	totals  map[string]outstanding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Reservation),
		totals:  make(map[string]outstanding),
	}
}

func (s *MemoryStore) Put(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return ErrDuplicateID
	}
	r.State = StateHeld
	s.records[r.ID] = r
	t := s.totals[r.SaleID]
	t.qty += r.Quantity
	t.count++
	s.totals[r.SaleID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (s *MemoryStore) Finalize(_ context.Context, id string, now time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.State != StateHeld {
		return Reservation{}, ErrReservationNotFound
	}
	if r.ExpiredAt(now) {
		return Reservation{}, ErrReservationExpired
	}
	s.remove(r)
	return r, nil
}

func (s *MemoryStore) MarkReleasing(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	r.State = StateReleasing
	s.records[id] = r
	return r, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	s.remove(r)
	return true, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	due := make([]Reservation, 0)
	for _, r := range s.records {
		if r.ExpiredAt(now) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MemoryStore) Outstanding(_ context.Context, saleID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.totals[saleID]
	return t.qty, t.count, nil
}

func (s *MemoryStore) remove(r Reservation) {
	delete(s.records, r.ID)
	t := s.totals[r.SaleID]
	t.qty -= r.Quantity
	t.count--
	s.totals[r.SaleID] = t
}
