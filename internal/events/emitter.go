package events

import (
	"context"
	"log"
	"time"

	"flash_sale_engine/internal/metrics"

	"github.com/google/uuid"
)

// Sink 是事件的实际落地方（Redis Stream、日志等）。
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

const maxBatch = 64

// Emitter 把事件放进有界缓冲区，由后台协程批量写入 Sink。
// 缓冲区满时直接丢弃并计数，核心路径永远不等待投递。
type Emitter struct {
	inbox chan Event
	sink  Sink
	done  chan struct{}
}

func NewEmitter(sink Sink, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		inbox: make(chan Event, buffer),
		sink:  sink,
		done:  make(chan struct{}),
	}
}

// Publish 补齐 ID 与时间后非阻塞入队。
func (e *Emitter) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case e.inbox <- ev:
		metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	default:
		metrics.EventsDropped.Inc()
	}
}

// Run 持续消费缓冲区，ctx 结束后把剩余事件尽量刷出再返回。
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	batch := make([]Event, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			e.drain(batch)
			return
		case ev := <-e.inbox:
			batch = append(batch[:0], ev)
			batch = e.collect(batch)
			e.write(ctx, batch)
		}
	}
}

// Wait 等待 Run 退出。
func (e *Emitter) Wait() { <-e.done }

func (e *Emitter) collect(batch []Event) []Event {
	for len(batch) < maxBatch {
		select {
		case ev := <-e.inbox:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (e *Emitter) drain(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		batch = e.collect(batch[:0])
		if len(batch) == 0 {
			return
		}
		e.write(ctx, batch)
	}
}

func (e *Emitter) write(ctx context.Context, batch []Event) {
	if err := e.sink.Write(ctx, batch); err != nil {
		log.Printf("events: write batch size=%d: %v", len(batch), err)
	}
}
