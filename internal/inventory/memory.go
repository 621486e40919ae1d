package inventory

import (
	"context"
	"sync"
)

type memorySale struct {
	mu        sync.Mutex
	available int64
}

// MemoryCounter is the embedded single-process counter. Each sale has its own mutex so
// operations on different sales never contend.
type MemoryCounter struct {
	mu     sync.RWMutex
	sales  map[string]*memorySale
	guards sync.Map
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{sales: make(map[string]*memorySale)}
}

func (c *MemoryCounter) sale(saleID string) *memorySale {
	c.mu.RLock()
	s := c.sales[saleID]
	c.mu.RUnlock()
	return s
}

func (c *MemoryCounter) TryDecrement(ctx context.Context, saleID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	if err := ctx.Err(); err != nil {
		return 0, ErrStoreUnavailable
	}
	s := c.sale(saleID)
	if s == nil {
		return 0, ErrSaleNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available < qty {
		return s.available, ErrInsufficientInventory
	}
	s.available -= qty
	return s.available, nil
}

func (c *MemoryCounter) Increment(ctx context.Context, saleID string, qty int64, guard string) (int64, bool, error) {
	if qty <= 0 {
		return 0, false, ErrInvalidQuantity
	}
	if err := ctx.Err(); err != nil {
		return 0, false, ErrStoreUnavailable
	}
	s := c.sale(saleID)
	if s == nil {
		return 0, false, ErrSaleNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if guard != "" {
		if _, seen := c.guards.LoadOrStore(guard, struct{}{}); seen {
			return s.available, false, nil
		}
	}
	s.available += qty
	return s.available, true, nil
}

func (c *MemoryCounter) Available(ctx context.Context, saleID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrStoreUnavailable
	}
	s := c.sale(saleID)
	if s == nil {
		return 0, ErrSaleNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, nil
}

func (c *MemoryCounter) Peek(ctx context.Context, saleID string) (Stock, error) {
	n, err := c.Available(ctx, saleID)
	if err != nil {
		return Stock{}, err
	}
	return Stock{Available: n}, nil
}

func (c *MemoryCounter) Load(ctx context.Context, saleID string, qty int64, overwrite bool) (bool, error) {
	if qty < 0 {
		return false, ErrInvalidQuantity
	}
	if err := ctx.Err(); err != nil {
		return false, ErrStoreUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sales[saleID]; ok {
		if !overwrite {
			return false, nil
		}
		s.mu.Lock()
		s.available = qty
		s.mu.Unlock()
		return true, nil
	}
	c.sales[saleID] = &memorySale{available: qty}
	return true, nil
}

func (c *MemoryCounter) Adjust(ctx context.Context, saleID string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrStoreUnavailable
	}
	s := c.sale(saleID)
	if s == nil {
		return 0, ErrSaleNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available+delta < 0 {
		return s.available, ErrNegativeAdjustment
	}
	s.available += delta
	return s.available, nil
}
