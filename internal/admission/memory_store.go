package admission

import (
	"context"
	"sort"
	"sync"
	"time"
)

type admitMark struct {
	watermark int64
	at        time.Time
}

type memoryQueue struct {
	tail      int64
	watermark int64
	entries   map[string]*Entry
	holds     map[string]string
	admitLog  []admitMark
}

// MemoryStore is the embedded sequencer state. One mutex per sale.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*lockedQueue
}

type lockedQueue struct {
	mu sync.Mutex
	q  memoryQueue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]*lockedQueue)}
}

func (s *MemoryStore) queue(saleID string) *lockedQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	lq, ok := s.queues[saleID]
	if !ok {
		lq = &lockedQueue{q: memoryQueue{
			entries: make(map[string]*Entry),
			holds:   make(map[string]string),
		}}
		s.queues[saleID] = lq
	}
	return lq
}

func (s *MemoryStore) Join(_ context.Context, saleID, userID string, now time.Time) (Entry, bool, error) {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if e, ok := lq.q.entries[userID]; ok {
		return *e, false, nil
	}
	lq.q.tail++
	e := &Entry{SaleID: saleID, UserID: userID, Position: lq.q.tail, JoinedAt: now, State: StatusWaiting}
	lq.q.entries[userID] = e
	return *e, true, nil
}

func (s *MemoryStore) Lookup(_ context.Context, saleID, userID string) (Record, error) {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	e, ok := lq.q.entries[userID]
	if !ok {
		return Record{}, ErrNotQueued
	}
	rec := Record{Entry: *e, Hold: lq.q.holds[userID], Watermark: lq.q.watermark}
	if e.Position <= lq.q.watermark {
		i := sort.Search(len(lq.q.admitLog), func(i int) bool {
			return lq.q.admitLog[i].watermark >= e.Position
		})
		if i < len(lq.q.admitLog) {
			rec.AdmittedAt = lq.q.admitLog[i].at
		}
	}
	return rec, nil
}

func (s *MemoryStore) Advance(_ context.Context, saleID string, by int64, now time.Time) (int64, error) {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	target := min(lq.q.watermark+by, lq.q.tail)
	if target <= lq.q.watermark {
		return lq.q.watermark, nil
	}
	lq.q.watermark = target
	lq.q.admitLog = append(lq.q.admitLog, admitMark{watermark: target, at: now})
	return target, nil
}

func (s *MemoryStore) Transition(_ context.Context, saleID, userID string, to Status) error {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	e, ok := lq.q.entries[userID]
	if !ok {
		return ErrNotQueued
	}
	if e.State == to {
		return nil
	}
	if e.State != StatusWaiting {
		return ErrEntryClosed
	}
	e.State = to
	if to == StatusPurchased {
		delete(lq.q.holds, userID)
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, saleID, userID, reservationID string) error {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	e, ok := lq.q.entries[userID]
	if !ok {
		return ErrNotQueued
	}
	if e.State != StatusWaiting {
		return ErrEntryClosed
	}
	if e.Position > lq.q.watermark {
		return ErrNotAdmitted
	}
	if _, held := lq.q.holds[userID]; held {
		return ErrHoldActive
	}
	lq.q.holds[userID] = reservationID
	return nil
}

func (s *MemoryStore) Unclaim(_ context.Context, saleID, userID, reservationID string) (bool, error) {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if cur, ok := lq.q.holds[userID]; !ok || cur != reservationID {
		return false, nil
	}
	delete(lq.q.holds, userID)
	return true, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, saleID string) (Snapshot, error) {
	lq := s.queue(saleID)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return Snapshot{
		SaleID:    saleID,
		Tail:      lq.q.tail,
		Watermark: lq.q.watermark,
		Depth:     lq.q.tail - lq.q.watermark,
	}, nil
}
