package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flash_sale_engine/internal/admission"
	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/database"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/model"
	"flash_sale_engine/internal/reconcile"
	"flash_sale_engine/internal/repository"
	"flash_sale_engine/internal/reservation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	clock   *clock.Manual
	counter inventory.Counter
	orders  *repository.OrderRepository
	ledger  *reservation.Ledger
	rec     *reconcile.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	clk := clock.NewManual(t0)
	counter := inventory.NewMemoryCounter()
	sales := repository.NewSaleRepository(db)
	orders := repository.NewOrderRepository(db)
	ledger := reservation.NewLedger(reservation.NewMemoryStore(), counter, clk, reservation.WithTTL(time.Minute))
	seq := admission.NewSequencer(admission.NewMemoryStore(), clk)
	rec := reconcile.New(sales, orders, ledger, counter, repository.NewSyncLogRepository(db), clk)

	return &fixture{
		svc:     NewService(sales, orders, seq, ledger, counter, clk, rec),
		clock:   clk,
		counter: counter,
		orders:  orders,
		ledger:  ledger,
		rec:     rec,
	}
}

func (f *fixture) createSale(t *testing.T, total, maxPer int64) model.FlashSale {
	t.Helper()
	sale, err := f.svc.CreateSale(context.Background(), CreateSaleInput{
		ProductID:         "p1",
		Name:              "drop",
		TotalQuantity:     total,
		MaxPerReservation: maxPer,
		StartTime:         t0.Add(-time.Minute),
		EndTime:           t0.Add(time.Hour),
	})
	require.NoError(t, err)
	return sale
}

func (f *fixture) admit(t *testing.T, saleID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	for _, u := range users {
		_, _, err := f.svc.Join(ctx, saleID, u)
		require.NoError(t, err)
	}
	_, err := f.svc.AdvanceWatermark(ctx, saleID, int64(len(users)))
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, saleID string) int64 {
	t.Helper()
	n, err := f.counter.Available(context.Background(), saleID)
	require.NoError(t, err)
	return n
}

func TestService_JoinReserveCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 10, 2)

	e, created, err := f.svc.Join(ctx, sale.ID, "u1")
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := f.svc.Join(ctx, sale.ID, "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.Position, again.Position)

	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	assert.ErrorIs(t, err, admission.ErrNotAdmitted)

	_, err = f.svc.AdvanceWatermark(ctx, sale.ID, 1)
	require.NoError(t, err)

	r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(8), f.available(t, sale.ID))

	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	assert.ErrorIs(t, err, admission.ErrHoldActive)

	order, err := f.svc.Checkout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, order.ReservationID)
	assert.Equal(t, int64(2), order.Quantity)
	assert.Equal(t, int64(8), f.available(t, sale.ID), "checkout never touches the counter")

	retry, err := f.svc.Checkout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNo, retry.OrderNo)

	st, err := f.svc.Status(ctx, sale.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, admission.StatusPurchased, st.Status)

	rep, err := f.rec.Reconcile(ctx, sale.ID)
	require.NoError(t, err)
	assert.Zero(t, rep.Difference)

	snap, err := f.svc.Snapshot(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.Available)
	assert.Equal(t, int64(1), snap.Watermark)
	assert.Zero(t, snap.OutstandingHolds)
	require.NotNil(t, snap.LastReport)
	assert.Equal(t, int64(2), snap.LastReport.Finalized)
}

func TestService_ThreeUsersTwoUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 2, 1)
	users := []string{"a", "b", "c"}
	f.admit(t, sale.ID, users...)

	var (
		mu      sync.Mutex
		won     []reservation.Reservation
		losers  []string
		wg      sync.WaitGroup
		badErrs []error
	)
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: u, Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, r)
			case errors.Is(err, inventory.ErrInsufficientInventory):
				losers = append(losers, u)
			default:
				badErrs = append(badErrs, err)
			}
		}(u)
	}
	wg.Wait()
	require.Empty(t, badErrs)
	require.Len(t, won, 2)
	require.Len(t, losers, 1)
	assert.Zero(t, f.available(t, sale.ID))

	st, err := f.svc.Status(ctx, sale.ID, losers[0])
	require.NoError(t, err)
	assert.Empty(t, st.Hold, "failed reserve undoes the claim")

	released, err := f.svc.Cancel(ctx, won[0].ID)
	require.NoError(t, err)
	assert.True(t, released)
	_, err = f.svc.Cancel(ctx, won[0].ID)
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)

	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: losers[0], Quantity: 1})
	require.NoError(t, err)
	assert.Zero(t, f.available(t, sale.ID))
}

func TestService_ExpiredReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 5, 1)
	f.admit(t, sale.ID, "u1")

	r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	_, err = f.svc.Checkout(ctx, r.ID)
	assert.ErrorIs(t, err, reservation.ErrReservationExpired)
	assert.Equal(t, int64(5), f.available(t, sale.ID))

	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)
}

func TestService_StaleHoldClearedAfterSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 5, 1)
	f.admit(t, sale.ID, "u1")

	_, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)
	st, err := f.svc.Status(ctx, sale.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, st.Hold)
	assert.Equal(t, int64(4), f.available(t, sale.ID))
}

func TestService_ExpiredHoldReleasedOnReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 1, 1)
	f.admit(t, sale.ID, "u1")

	_, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err, "the lapsed hold is released before claiming again")
	assert.Zero(t, f.available(t, sale.ID))
}

func TestService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 5, 2)
	f.admit(t, sale.ID, "u1")

	_, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 3})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = f.svc.Join(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrSaleNotFound)

	f.clock.Set(t0.Add(2 * time.Hour))
	_, _, err = f.svc.Join(ctx, sale.ID, "u2")
	assert.ErrorIs(t, err, ErrSaleNotActive)
	_, err = f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	assert.ErrorIs(t, err, ErrSaleNotActive)

	_, err = f.svc.CreateSale(ctx, CreateSaleInput{ProductID: "p", Name: "n", TotalQuantity: 0,
		StartTime: t0, EndTime: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidSale)
	_, err = f.svc.CreateSale(ctx, CreateSaleInput{ProductID: "p", Name: "n", TotalQuantity: 1,
		StartTime: t0, EndTime: t0})
	assert.ErrorIs(t, err, ErrInvalidSale)
}

func TestService_LoadSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 7, 1)

	loaded, err := f.svc.LoadSale(ctx, sale.ID, false)
	require.NoError(t, err)
	assert.False(t, loaded, "CreateSale already seeded the counter")

	_, err = f.counter.Adjust(ctx, sale.ID, -3)
	require.NoError(t, err)
	loaded, err = f.svc.LoadSale(ctx, sale.ID, true)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, int64(7), f.available(t, sale.ID))

	_, err = f.svc.LoadSale(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrSaleNotFound)

	st, err := f.svc.Peek(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.Stock{Available: 7}, st)
}

func TestService_ConservationUnderLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 20, 1)

	users := make([]string, 60)
	for i := range users {
		users[i] = fmt.Sprintf("bot-%d", i)
	}
	f.admit(t, sale.ID, users...)

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: u, Quantity: 1})
			if err != nil {
				return
			}
			if i%2 == 0 {
				_, _ = f.svc.Checkout(ctx, r.ID)
			} else {
				_, _ = f.svc.Cancel(ctx, r.ID)
			}
		}(i, u)
	}
	wg.Wait()

	rep, err := f.rec.Reconcile(ctx, sale.ID)
	require.NoError(t, err)
	assert.Zero(t, rep.Difference)
	assert.GreaterOrEqual(t, rep.StoreCount, int64(0))
	assert.LessOrEqual(t, rep.Finalized, int64(20))
}

func TestService_ConcurrentCheckoutReturnsSameOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 5, 1)
	f.admit(t, sale.ID, "u1")
	r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)

	const callers = 8
	orders := make([]model.Order, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orders[i], errs[i] = f.svc.Checkout(ctx, r.ID)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, orders[0].OrderNo, orders[i].OrderNo)
	}
	total, err := f.orders.SumFinalized(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestService_CheckoutWaitsForInFlightOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := f.createSale(t, 5, 1)
	f.admit(t, sale.ID, "u1")
	r, err := f.svc.Reserve(ctx, ReserveInput{SaleID: sale.ID, UserID: "u1", Quantity: 1})
	require.NoError(t, err)

	// 另一次结账已删除预占，订单稍后才写入
	_, err = f.ledger.Finalize(ctx, r.ID)
	require.NoError(t, err)
	written := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, err := f.orders.Record(ctx, &model.Order{ReservationID: r.ID, OrderNo: "FS-LATE", SaleID: sale.ID, ProductID: "p1", UserID: "u1", Quantity: 1})
		written <- err
	}()

	order, err := f.svc.Checkout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "FS-LATE", order.OrderNo)
	require.NoError(t, <-written)

	_, err = f.svc.Checkout(ctx, "never-existed")
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
}
