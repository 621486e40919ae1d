// Package checkout sequences the sequencer, the ledger and the durable order store into the
// participant flow: join, wait, reserve, then checkout or cancel. It owns no invariants.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"flash_sale_engine/internal/admission"
	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/metrics"
	"flash_sale_engine/internal/model"
	"flash_sale_engine/internal/reconcile"
	"flash_sale_engine/internal/repository"
	"flash_sale_engine/internal/reservation"

	"github.com/google/uuid"
)

// orderLookupAttempts 覆盖一次 recordOrder 的最长重试时间。
const orderLookupAttempts = 6

var (
	ErrSaleNotFound    = errors.New("sale not found")
	ErrSaleNotActive   = errors.New("sale is not active")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidSale     = errors.New("invalid sale")
)

type Sales interface {
	Create(ctx context.Context, s *model.FlashSale) error
	Get(ctx context.Context, id string) (model.FlashSale, error)
}

type Orders interface {
	Record(ctx context.Context, o *model.Order) (bool, error)
	FindByReservation(ctx context.Context, reservationID string) (model.Order, error)
}

// Reports exposes the last reconciliation result for snapshots.
type Reports interface {
	LastReport(saleID string) (reconcile.Report, bool)
}

type Service struct {
	sales   Sales
	orders  Orders
	seq     *admission.Sequencer
	ledger  *reservation.Ledger
	counter inventory.Counter
	clock   clock.Clock
	reports Reports
}

func NewService(sales Sales, orders Orders, seq *admission.Sequencer, ledger *reservation.Ledger,
	counter inventory.Counter, clk clock.Clock, reports Reports) *Service {
	return &Service{
		sales:   sales,
		orders:  orders,
		seq:     seq,
		ledger:  ledger,
		counter: counter,
		clock:   clk,
		reports: reports,
	}
}

type CreateSaleInput struct {
	ProductID         string
	Name              string
	TotalQuantity     int64
	MaxPerReservation int64
	StartTime         time.Time
	EndTime           time.Time
}

// CreateSale 落库活动并把总量写入计数存储（已存在的计数不覆盖）。
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (model.FlashSale, error) {
	if strings.TrimSpace(in.ProductID) == "" || strings.TrimSpace(in.Name) == "" {
		return model.FlashSale{}, fmt.Errorf("%w: product_id and name are required", ErrInvalidSale)
	}
	if in.TotalQuantity <= 0 {
		return model.FlashSale{}, fmt.Errorf("%w: total_quantity must be > 0", ErrInvalidSale)
	}
	if in.MaxPerReservation <= 0 {
		in.MaxPerReservation = 1
	}
	if !in.EndTime.After(in.StartTime) {
		return model.FlashSale{}, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidSale)
	}

	sale := model.FlashSale{
		ProductID:         in.ProductID,
		Name:              in.Name,
		TotalQuantity:     in.TotalQuantity,
		MaxPerReservation: in.MaxPerReservation,
		StartTime:         in.StartTime.UTC(),
		EndTime:           in.EndTime.UTC(),
	}
	if err := s.sales.Create(ctx, &sale); err != nil {
		return model.FlashSale{}, fmt.Errorf("create sale: %w", err)
	}
	if _, err := s.counter.Load(ctx, sale.ID, sale.TotalQuantity, false); err != nil {
		return sale, fmt.Errorf("load counter %s: %w", sale.ID, err)
	}
	metrics.StockLevel.WithLabelValues(sale.ID).Set(float64(sale.TotalQuantity))
	return sale, nil
}

// LoadSale seeds the counter from the durable total. overwrite resets an existing counter.
func (s *Service) LoadSale(ctx context.Context, saleID string, overwrite bool) (bool, error) {
	sale, err := s.sale(ctx, saleID)
	if err != nil {
		return false, err
	}
	loaded, err := s.counter.Load(ctx, sale.ID, sale.TotalQuantity, overwrite)
	if err != nil {
		return false, err
	}
	if loaded {
		metrics.StockLevel.WithLabelValues(sale.ID).Set(float64(sale.TotalQuantity))
	}
	return loaded, nil
}

func (s *Service) sale(ctx context.Context, saleID string) (model.FlashSale, error) {
	sale, err := s.sales.Get(ctx, saleID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.FlashSale{}, ErrSaleNotFound
	}
	if err != nil {
		return model.FlashSale{}, fmt.Errorf("load sale %s: %w", saleID, err)
	}
	return sale, nil
}

func (s *Service) activeSale(ctx context.Context, saleID string) (model.FlashSale, error) {
	sale, err := s.sale(ctx, saleID)
	if err != nil {
		return model.FlashSale{}, err
	}
	if st := sale.StatusAt(s.clock.Now()); st != model.SaleActive {
		return model.FlashSale{}, fmt.Errorf("%w: %s", ErrSaleNotActive, st)
	}
	return sale, nil
}

// Join enqueues the user. Joining twice is not an error; created reports whether this call
// assigned the position.
func (s *Service) Join(ctx context.Context, saleID, userID string) (admission.Entry, bool, error) {
	if _, err := s.activeSale(ctx, saleID); err != nil {
		return admission.Entry{}, false, err
	}
	e, err := s.seq.Join(ctx, saleID, userID)
	if errors.Is(err, admission.ErrAlreadyQueued) {
		return e, false, nil
	}
	if err != nil {
		return admission.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Service) Status(ctx context.Context, saleID, userID string) (admission.QueueStatus, error) {
	return s.seq.Status(ctx, saleID, userID)
}

func (s *Service) Leave(ctx context.Context, saleID, userID string) error {
	return s.seq.Leave(ctx, saleID, userID)
}

type ReserveInput struct {
	SaleID   string
	UserID   string
	Quantity int64
}

// Reserve claims the admitted entry and takes the units. A failure after the claim undoes it.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (reservation.Reservation, error) {
	sale, err := s.activeSale(ctx, in.SaleID)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if in.Quantity <= 0 || in.Quantity > sale.MaxPerReservation {
		return reservation.Reservation{}, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidQuantity, sale.MaxPerReservation)
	}

	id := uuid.NewString()
	if err := s.claim(ctx, in.SaleID, in.UserID, id); err != nil {
		return reservation.Reservation{}, err
	}

	r, err := s.ledger.Create(ctx, reservation.CreateInput{
		ID:        id,
		SaleID:    sale.ID,
		ProductID: sale.ProductID,
		UserID:    in.UserID,
		Quantity:  in.Quantity,
	})
	if err != nil {
		if uerr := s.seq.Unclaim(context.WithoutCancel(ctx), in.SaleID, in.UserID, id); uerr != nil {
			log.Printf("checkout: unclaim after failed reserve sale=%s user=%s: %v", in.SaleID, in.UserID, uerr)
		}
		return reservation.Reservation{}, err
	}
	return r, nil
}

// claim binds id to the entry. A hold whose reservation is gone (released by the sweeper or
// lost) is cleared and the claim retried once.
func (s *Service) claim(ctx context.Context, saleID, userID, id string) error {
	err := s.seq.Claim(ctx, saleID, userID, id)
	if !errors.Is(err, admission.ErrHoldActive) {
		return err
	}

	st, serr := s.seq.Status(ctx, saleID, userID)
	if serr != nil || st.Hold == "" {
		return err
	}
	held, gerr := s.ledger.Get(ctx, st.Hold)
	switch {
	case errors.Is(gerr, reservation.ErrReservationNotFound):
	case gerr == nil && held.ExpiredAt(s.clock.Now()):
		if _, rerr := s.ledger.Release(ctx, held.ID); rerr != nil && !errors.Is(rerr, reservation.ErrReservationNotFound) {
			return rerr
		}
	case gerr != nil:
		return gerr
	default:
		return err
	}
	if uerr := s.seq.Unclaim(ctx, saleID, userID, st.Hold); uerr != nil {
		return uerr
	}
	return s.seq.Claim(ctx, saleID, userID, id)
}

// Checkout finalizes the reservation and records the order. A retry after success returns
// the recorded order.
func (s *Service) Checkout(ctx context.Context, reservationID string) (model.Order, error) {
	r, err := s.ledger.Get(ctx, reservationID)
	if errors.Is(err, reservation.ErrReservationNotFound) {
		return s.awaitOrder(ctx, reservationID, err)
	}
	if err != nil {
		return model.Order{}, err
	}

	if _, err := s.ledger.Finalize(ctx, reservationID); err != nil {
		switch {
		case errors.Is(err, reservation.ErrReservationExpired):
			s.unclaim(ctx, r)
		case errors.Is(err, reservation.ErrReservationNotFound):
			// 并发的另一次结账已经消费了预占，等它把订单写完
			return s.awaitOrder(ctx, reservationID, err)
		}
		return model.Order{}, err
	}

	order := model.Order{
		ReservationID: r.ID,
		OrderNo:       newOrderNo(),
		SaleID:        r.SaleID,
		ProductID:     r.ProductID,
		UserID:        r.UserID,
		Quantity:      r.Quantity,
	}
	// 预占已经被消费，订单必须落库；失败会以对账差值的形式暴露
	wctx := context.WithoutCancel(ctx)
	if err := s.recordOrder(wctx, &order); err != nil {
		log.Printf("checkout: record order reservation=%s sale=%s qty=%d: %v", r.ID, r.SaleID, r.Quantity, err)
		return model.Order{}, fmt.Errorf("record order: %w", err)
	}

	if r.UserID != "" {
		if err := s.seq.MarkPurchased(wctx, r.SaleID, r.UserID); err != nil && !errors.Is(err, admission.ErrNotQueued) {
			log.Printf("checkout: mark purchased sale=%s user=%s: %v", r.SaleID, r.UserID, err)
		}
	}
	return order, nil
}

// awaitOrder 在预占已不存在时查找已落库的订单；订单可能正由另一次结账写入，短暂重试几次。
// 找不到时返回 cause。
func (s *Service) awaitOrder(ctx context.Context, reservationID string, cause error) (model.Order, error) {
	for attempt := 0; attempt < orderLookupAttempts; attempt++ {
		o, err := s.orders.FindByReservation(ctx, reservationID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.Order{}, err
		}
		if attempt == orderLookupAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return model.Order{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return model.Order{}, cause
}

func (s *Service) recordOrder(ctx context.Context, o *model.Order) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = s.orders.Record(ctx, o); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// Cancel releases the reservation and frees the entry's hold.
func (s *Service) Cancel(ctx context.Context, reservationID string) (bool, error) {
	r, err := s.ledger.Get(ctx, reservationID)
	if err != nil {
		return false, err
	}
	released, err := s.ledger.Release(ctx, reservationID)
	if err != nil {
		return false, err
	}
	s.unclaim(ctx, r)
	return released, nil
}

func (s *Service) unclaim(ctx context.Context, r reservation.Reservation) {
	if r.UserID == "" {
		return
	}
	if err := s.seq.Unclaim(context.WithoutCancel(ctx), r.SaleID, r.UserID, r.ID); err != nil {
		log.Printf("checkout: unclaim sale=%s user=%s reservation=%s: %v", r.SaleID, r.UserID, r.ID, err)
	}
}

func (s *Service) Peek(ctx context.Context, saleID string) (inventory.Stock, error) {
	st, err := s.counter.Peek(ctx, saleID)
	if err != nil {
		return inventory.Stock{}, err
	}
	if !st.Stale {
		metrics.StockLevel.WithLabelValues(saleID).Set(float64(st.Available))
	}
	return st, nil
}

func (s *Service) AdvanceWatermark(ctx context.Context, saleID string, by int64) (int64, error) {
	if _, err := s.sale(ctx, saleID); err != nil {
		return 0, err
	}
	return s.seq.AdvanceWatermark(ctx, saleID, by)
}

func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.ledger.SweepExpired(ctx)
}

// SaleSnapshot is the operator view of one sale.
type SaleSnapshot struct {
	SaleID           string            `json:"sale_id"`
	Status           model.SaleStatus  `json:"status"`
	Total            int64             `json:"total"`
	Watermark        int64             `json:"watermark"`
	Tail             int64             `json:"tail"`
	QueueDepth       int64             `json:"queue_depth"`
	Available        int64             `json:"available"`
	Stale            bool              `json:"stale"`
	OutstandingQty   int64             `json:"outstanding_quantity"`
	OutstandingHolds int64             `json:"outstanding_holds"`
	LastReport       *reconcile.Report `json:"last_report,omitempty"`
}

func (s *Service) Snapshot(ctx context.Context, saleID string) (SaleSnapshot, error) {
	sale, err := s.sale(ctx, saleID)
	if err != nil {
		return SaleSnapshot{}, err
	}
	q, err := s.seq.Snapshot(ctx, saleID)
	if err != nil {
		return SaleSnapshot{}, err
	}
	stock, err := s.counter.Peek(ctx, saleID)
	if err != nil && !errors.Is(err, inventory.ErrSaleNotLoaded) {
		return SaleSnapshot{}, err
	}
	qty, holds, err := s.ledger.Outstanding(ctx, saleID)
	if err != nil {
		return SaleSnapshot{}, err
	}

	snap := SaleSnapshot{
		SaleID:           saleID,
		Status:           sale.StatusAt(s.clock.Now()),
		Total:            sale.TotalQuantity,
		Watermark:        q.Watermark,
		Tail:             q.Tail,
		QueueDepth:       q.Depth,
		Available:        stock.Available,
		Stale:            stock.Stale,
		OutstandingQty:   qty,
		OutstandingHolds: holds,
	}
	if s.reports != nil {
		if rep, ok := s.reports.LastReport(saleID); ok {
			snap.LastReport = &rep
		}
	}
	return snap, nil
}

func newOrderNo() string {
	return "FS" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}
