package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingSink) Write(_ context.Context, batch []Event) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, batch...)
	return nil
}

type failingSink struct{}

func (failingSink) Write(context.Context, []Event) error { return errors.New("down") }

func TestEmitter_DeliversAndFillsDefaults(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go em.Run(ctx)

	em.Publish(Event{Type: QueueJoined, SaleID: "sale-1", UserID: "u1"})

	require.Eventually(t, func() bool { return rec.Count(QueueJoined) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.Events()[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.OccurredAt.IsZero())

	cancel()
	em.Wait()
}

func TestEmitter_PublishNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	em := NewEmitter(sink, 2)
	ctx, cancel := context.WithCancel(context.Background())
	go em.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			em.Publish(Event{Type: ReservationCreated, SaleID: "sale-1", Quantity: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled sink")
	}

	close(sink.release)
	cancel()
	em.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.LessOrEqual(t, len(sink.got), 100)
	assert.NotEmpty(t, sink.got)
}

func TestEmitter_SinkErrorDoesNotStopLoop(t *testing.T) {
	em := NewEmitter(failingSink{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	go em.Run(ctx)

	em.Publish(Event{Type: DriftDetected, SaleID: "sale-1"})
	em.Publish(Event{Type: DriftDetected, SaleID: "sale-1"})

	cancel()
	em.Wait()
}

func TestStreamSink_Write(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := NewStreamSink(rdb, "flash_sale:events")
	at := time.UnixMilli(1735732800000).UTC()
	err := sink.Write(context.Background(), []Event{
		{ID: "e1", Type: ReservationCreated, SaleID: "s1", ReservationID: "r1", Quantity: 2, OccurredAt: at},
		{ID: "e2", Type: ReservationReleased, SaleID: "s1", ReservationID: "r1", Quantity: 2, OccurredAt: at},
	})
	require.NoError(t, err)

	msgs, err := rdb.XRange(context.Background(), "flash_sale:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "reservation_created", msgs[0].Values["type"])
	assert.Equal(t, "r1", msgs[0].Values["reservation_id"])
	assert.Equal(t, "2", msgs[0].Values["quantity"])
	assert.Equal(t, "1735732800000", msgs[1].Values["occurred_at"])
}
