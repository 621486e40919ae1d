package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"flash_sale_engine/internal/events"
	"flash_sale_engine/internal/model"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu   sync.Mutex
	fail error
	got  []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, ev)
	return nil
}

func newRelay(t *testing.T, pub Publisher) (*Relay, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r := NewRelay(rdb, pub, "events", "relay", "relay-1")
	r.block = 20 * time.Millisecond
	require.NoError(t, r.ensureGroup(context.Background()))
	require.NoError(t, r.ensureGroup(context.Background()), "BUSYGROUP is not an error")
	return r, rdb
}

func sampleEvent(id string) events.Event {
	return events.Event{
		ID:            id,
		Type:          events.ReservationCreated,
		SaleID:        "sale-1",
		UserID:        "u1",
		ReservationID: "r1",
		Quantity:      2,
		OccurredAt:    at,
	}
}

func TestRelay_ForwardsThenAcks(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	relay, rdb := newRelay(t, pub)

	sink := events.NewStreamSink(rdb, "events")
	require.NoError(t, sink.Write(ctx, []events.Event{sampleEvent("e1"), sampleEvent("e2")}))

	n, err := relay.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.got, 2)
	assert.Equal(t, sampleEvent("e1"), pub.got[0])

	length, err := rdb.XLen(ctx, "events").Result()
	require.NoError(t, err)
	assert.Zero(t, length, "acked entries are deleted from the stream")
}

func TestRelay_KeepsMessageWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: errors.New("kafka down")}
	relay, rdb := newRelay(t, pub)

	require.NoError(t, events.NewStreamSink(rdb, "events").Write(ctx, []events.Event{sampleEvent("e1")}))

	_, err := relay.step(ctx)
	require.Error(t, err)

	pub.fail = nil
	n, err := relay.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the pending entry is retried")
	require.Len(t, pub.got, 1)
	assert.Equal(t, "e1", pub.got[0].ID)
}

func TestRelay_DropsMalformed(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	relay, rdb := newRelay(t, pub)

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{Stream: "events", Values: map[string]any{"type": "x"}}).Err())

	n, err := relay.step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, pub.got)
}

type fakeArchive struct {
	saved map[string]model.SaleEvent
}

func (a *fakeArchive) Save(_ context.Context, ev *model.SaleEvent) (bool, error) {
	if _, ok := a.saved[ev.EventID]; ok {
		return false, nil
	}
	a.saved[ev.EventID] = *ev
	return true, nil
}

func TestConsumer_HandleArchives(t *testing.T) {
	ctx := context.Background()
	archive := &fakeArchive{saved: map[string]model.SaleEvent{}}
	c := &Consumer{archive: archive}

	msg, err := message(sampleEvent("e1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sale-1"), msg.Key)

	require.NoError(t, c.handle(ctx, msg))
	require.NoError(t, c.handle(ctx, msg))
	require.Len(t, archive.saved, 1)
	got := archive.saved["e1"]
	assert.Equal(t, "reservation_created", got.Type)
	assert.Equal(t, int64(2), got.Quantity)
	assert.True(t, at.Equal(got.OccurredAt))

	assert.NoError(t, c.handle(ctx, kafka.Message{Value: []byte("{not json")}), "malformed messages are skipped")
	assert.Len(t, archive.saved, 1)
}

func TestDecode_Validates(t *testing.T) {
	b, err := json.Marshal(events.Event{ID: "e1", Type: events.QueueJoined, OccurredAt: at})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorContains(t, err, "sale_id")

	b, err = json.Marshal(sampleEvent("e2"))
	require.NoError(t, err)
	ev, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.ReservationID)
}
