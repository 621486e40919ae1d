package events

import (
	"context"
	"log"
	"strconv"
	"sync"

	rd "github.com/redis/go-redis/v9"
)

// StreamSink 把事件写入 Redis Stream（outbox），由 Relay 异步转发 Kafka。
type StreamSink struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamSink(rdb *rd.Client, stream string) *StreamSink {
	return &StreamSink{rdb: rdb, stream: stream, maxLen: 100000}
}

func (s *StreamSink) Write(ctx context.Context, batch []Event) error {
	pipe := s.rdb.Pipeline()
	for _, ev := range batch {
		pipe.XAdd(ctx, &rd.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: StreamValues(ev),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// StreamValues 是事件在 Stream 中的字段布局。
func StreamValues(ev Event) map[string]any {
	return map[string]any{
		"event_id":       ev.ID,
		"type":           string(ev.Type),
		"sale_id":        ev.SaleID,
		"user_id":        ev.UserID,
		"reservation_id": ev.ReservationID,
		"quantity":       strconv.FormatInt(ev.Quantity, 10),
		"occurred_at":    strconv.FormatInt(ev.OccurredAt.UnixMilli(), 10),
	}
}

// LogSink 只打日志，用于单进程 memory 模式。
type LogSink struct{}

func (LogSink) Write(_ context.Context, batch []Event) error {
	for _, ev := range batch {
		log.Printf("event: type=%s sale=%s user=%s reservation=%s qty=%d",
			ev.Type, ev.SaleID, ev.UserID, ev.ReservationID, ev.Quantity)
	}
	return nil
}

// Recorder 同步记录事件，便于断言。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Write(_ context.Context, batch []Event) error {
	for _, ev := range batch {
		r.Publish(ev)
	}
	return nil
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count 统计某类型事件数量。
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
