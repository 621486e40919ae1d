package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

type ActiveSales interface {
	ActiveSaleIDs(ctx context.Context, now time.Time) ([]string, error)
}

// Job reconciles every active sale on a fixed interval.
type Job struct {
	rec      *Reconciler
	sales    ActiveSales
	interval time.Duration
	parallel int
}

func NewJob(rec *Reconciler, sales ActiveSales, interval time.Duration) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Job{rec: rec, sales: sales, interval: interval, parallel: 4}
}

func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Printf("reconcile: job started interval=%s", j.interval)
	for {
		select {
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("reconcile: run: %v", err)
			}
		case <-ctx.Done():
			log.Printf("reconcile: job stopped")
			return
		}
	}
}

// RunOnce reconciles all active sales and returns the reports. Drift is reported, not returned
// as an error; only failures to measure are.
func (j *Job) RunOnce(ctx context.Context) error {
	_, err := j.run(ctx)
	return err
}

func (j *Job) run(ctx context.Context) ([]Report, error) {
	ids, err := j.sales.ActiveSaleIDs(ctx, j.rec.clock.Now())
	if err != nil {
		return nil, err
	}

	reports := make([]Report, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.parallel)
	for i, id := range ids {
		g.Go(func() error {
			rep, err := j.rec.Reconcile(gctx, id)
			reports[i] = rep
			if errors.Is(err, ErrDriftDetected) {
				return nil
			}
			return err
		})
	}
	return reports, g.Wait()
}
