// Package reconcile compares the live counter with what the durable records imply and
// writes every comparison to the inventory sync log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/events"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/metrics"
	"flash_sale_engine/internal/model"
)

var (
	ErrDriftDetected = errors.New("inventory drift detected")
	ErrUnknownPolicy = errors.New("unknown repair policy")
)

// Policy decides what happens when drift exceeds the tolerance.
type Policy string

const (
	PolicyAlert Policy = "alert"
	PolicyAuto  Policy = "auto"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAlert, PolicyAuto:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Report is one comparison. DurableCount = Total - Finalized - Outstanding and
// Difference = StoreCount - DurableCount.
type Report struct {
	SaleID       string    `json:"sale_id"`
	Total        int64     `json:"total"`
	StoreCount   int64     `json:"store_count"`
	DurableCount int64     `json:"durable_count"`
	Outstanding  int64     `json:"outstanding"`
	Finalized    int64     `json:"finalized"`
	Difference   int64     `json:"difference"`
	Drift        bool      `json:"drift"`
	Repaired     bool      `json:"repaired"`
	CheckedAt    time.Time `json:"checked_at"`
}

type Sales interface {
	Get(ctx context.Context, id string) (model.FlashSale, error)
}

type Orders interface {
	SumFinalized(ctx context.Context, saleID string) (int64, error)
}

type Holds interface {
	Outstanding(ctx context.Context, saleID string) (qty int64, count int64, err error)
}

type SyncLog interface {
	Append(ctx context.Context, row *model.InventorySyncLog) error
}

type Reconciler struct {
	sales     Sales
	orders    Orders
	holds     Holds
	counter   inventory.Counter
	log       SyncLog
	clock     clock.Clock
	events    events.Publisher
	tolerance int64
	policy    Policy

	last sync.Map // saleID -> Report
}

type Option func(*Reconciler)

func WithTolerance(n int64) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.tolerance = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(r *Reconciler) {
		if p != "" {
			r.policy = p
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(r *Reconciler) {
		if p != nil {
			r.events = p
		}
	}
}

func New(sales Sales, orders Orders, holds Holds, counter inventory.Counter, syncLog SyncLog, clk clock.Clock, opts ...Option) *Reconciler {
	r := &Reconciler{
		sales:   sales,
		orders:  orders,
		holds:   holds,
		counter: counter,
		log:     syncLog,
		clock:   clk,
		events:  events.Discard{},
		policy:  PolicyAlert,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) measure(ctx context.Context, saleID string) (Report, error) {
	sale, err := r.sales.Get(ctx, saleID)
	if err != nil {
		return Report{}, fmt.Errorf("load sale %s: %w", saleID, err)
	}
	finalized, err := r.orders.SumFinalized(ctx, saleID)
	if err != nil {
		return Report{}, fmt.Errorf("sum finalized %s: %w", saleID, err)
	}
	outstanding, _, err := r.holds.Outstanding(ctx, saleID)
	if err != nil {
		return Report{}, fmt.Errorf("outstanding %s: %w", saleID, err)
	}
	store, err := r.counter.Available(ctx, saleID)
	if err != nil {
		return Report{}, fmt.Errorf("store count %s: %w", saleID, err)
	}

	rep := Report{
		SaleID:      saleID,
		Total:       sale.TotalQuantity,
		StoreCount:  store,
		Outstanding: outstanding,
		Finalized:   finalized,
		CheckedAt:   r.clock.Now(),
	}
	rep.DurableCount = rep.Total - rep.Finalized - rep.Outstanding
	rep.Difference = rep.StoreCount - rep.DurableCount
	rep.Drift = abs(rep.Difference) > r.tolerance
	return rep, nil
}

// Reconcile compares and logs one sale. Drift beyond the tolerance returns ErrDriftDetected
// together with the report; under PolicyAuto the drift is repaired first.
func (r *Reconciler) Reconcile(ctx context.Context, saleID string) (Report, error) {
	rep, err := r.measure(ctx, saleID)
	if err != nil {
		return Report{}, err
	}
	if err := r.append(ctx, rep, model.SyncCheck, "", ""); err != nil {
		return rep, err
	}
	metrics.InventoryDrift.WithLabelValues(saleID).Set(float64(rep.Difference))
	prev, hadPrev := r.LastReport(saleID)
	r.last.Store(saleID, rep)

	if !rep.Drift {
		return rep, nil
	}
	log.Printf("reconcile: drift sale=%s store=%d durable=%d diff=%d", saleID, rep.StoreCount, rep.DurableCount, rep.Difference)
	r.events.Publish(events.Event{
		Type:       events.DriftDetected,
		SaleID:     saleID,
		Quantity:   rep.Difference,
		OccurredAt: rep.CheckedAt,
	})

	if r.policy == PolicyAuto && autoRepairable(prev, hadPrev, rep) {
		fixed, err := r.repair(ctx, saleID, "reconciler", "auto repair", &rep.Difference)
		switch {
		case err != nil:
			log.Printf("reconcile: auto repair sale=%s: %v", saleID, err)
		case fixed.Repaired:
			rep.Repaired = true
			r.last.Store(saleID, rep)
		}
	}
	return rep, fmt.Errorf("%w: sale=%s difference=%d", ErrDriftDetected, saleID, rep.Difference)
}

// autoRepairable 自动修复只处理「计数高于持久推导值」的漂移，且必须与上一轮结果一致。
// 负向差值可能是结账删除预占后订单尚未落库的窗口，补回去会超卖，只告警交给人工。
func autoRepairable(prev Report, hadPrev bool, cur Report) bool {
	if cur.Difference <= 0 {
		return false
	}
	return hadPrev && prev.Drift && prev.Difference == cur.Difference
}

// Repair measures again and adjusts the counter by the negated difference. The row logged
// carries the difference that was corrected.
func (r *Reconciler) Repair(ctx context.Context, saleID, operator, note string) (Report, error) {
	return r.repair(ctx, saleID, operator, note, nil)
}

// repair with a non-nil expect only adjusts when the fresh measurement still shows that difference.
func (r *Reconciler) repair(ctx context.Context, saleID, operator, note string, expect *int64) (Report, error) {
	rep, err := r.measure(ctx, saleID)
	if err != nil {
		return Report{}, err
	}
	if expect != nil && rep.Difference != *expect {
		log.Printf("reconcile: skip repair sale=%s expected=%d measured=%d", saleID, *expect, rep.Difference)
		return rep, nil
	}
	if rep.Difference != 0 {
		if _, err := r.counter.Adjust(ctx, saleID, -rep.Difference); err != nil {
			return rep, fmt.Errorf("adjust %s by %d: %w", saleID, -rep.Difference, err)
		}
		rep.Repaired = true
	}
	if err := r.append(ctx, rep, model.SyncRepair, operator, note); err != nil {
		return rep, err
	}
	log.Printf("reconcile: repair sale=%s operator=%s adjusted=%d", saleID, operator, -rep.Difference)
	metrics.InventoryDrift.WithLabelValues(saleID).Set(0)
	return rep, nil
}

// LastReport returns the most recent report produced in this process.
func (r *Reconciler) LastReport(saleID string) (Report, bool) {
	v, ok := r.last.Load(saleID)
	if !ok {
		return Report{}, false
	}
	return v.(Report), true
}

func (r *Reconciler) append(ctx context.Context, rep Report, kind model.SyncKind, operator, note string) error {
	row := &model.InventorySyncLog{
		SaleID:       rep.SaleID,
		Kind:         kind,
		StoreCount:   rep.StoreCount,
		DurableCount: rep.DurableCount,
		Outstanding:  rep.Outstanding,
		Finalized:    rep.Finalized,
		Difference:   rep.Difference,
		Drift:        rep.Drift,
		Operator:     operator,
		Note:         note,
	}
	if err := r.log.Append(ctx, row); err != nil {
		return fmt.Errorf("append sync log %s: %w", rep.SaleID, err)
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
