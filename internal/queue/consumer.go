package queue

import (
	"context"
	"log"

	"flash_sale_engine/internal/model"

	"github.com/segmentio/kafka-go"
)

// Archive 持久化事件，重复的 event_id 必须被忽略。
type Archive interface {
	Save(ctx context.Context, ev *model.SaleEvent) (bool, error)
}

// Consumer 把 Kafka 中的领域事件归档到 sale_events，处理成功后才提交 offset。
type Consumer struct {
	r       *kafka.Reader
	archive Archive
}

func NewConsumer(brokers []string, topic, groupID string, archive Archive) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		archive: archive,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.handle(ctx, m); err != nil {
			log.Printf("consumer archive offset=%d: %v", m.Offset, err)
			continue
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			log.Printf("consumer commit offset=%d: %v", m.Offset, err)
		}
	}
}

// handle 返回 nil 表示可以提交；脏消息记录日志后同样提交，避免卡住分区。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	ev, err := Decode(m.Value)
	if err != nil {
		log.Printf("consumer drop malformed offset=%d: %v", m.Offset, err)
		return nil
	}
	_, err = c.archive.Save(ctx, &model.SaleEvent{
		EventID:       ev.ID,
		Type:          string(ev.Type),
		SaleID:        ev.SaleID,
		UserID:        ev.UserID,
		ReservationID: ev.ReservationID,
		Quantity:      ev.Quantity,
		OccurredAt:    ev.OccurredAt,
	})
	return err
}
