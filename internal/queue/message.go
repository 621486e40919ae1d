package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"flash_sale_engine/internal/events"
)

// Validate 做最小字段校验，防止消费者处理脏消息。
func Validate(ev events.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.Type == "" {
		return fmt.Errorf("type is required")
	}
	if ev.SaleID == "" {
		return fmt.Errorf("sale_id is required")
	}
	if ev.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Decode 解析 Kafka 消息体。
func Decode(b []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := Validate(ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// parseStreamEvent 把 Stream 字段还原成事件，字段布局见 events.StreamValues。
func parseStreamEvent(values map[string]interface{}) (events.Event, error) {
	id, err := getStreamString(values, "event_id")
	if err != nil {
		return events.Event{}, err
	}
	typ, err := getStreamString(values, "type")
	if err != nil {
		return events.Event{}, err
	}
	saleID, err := getStreamString(values, "sale_id")
	if err != nil {
		return events.Event{}, err
	}
	quantityStr, err := getStreamString(values, "quantity")
	if err != nil {
		return events.Event{}, err
	}
	occurredStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return events.Event{}, err
	}

	quantity, err := strconv.ParseInt(quantityStr, 10, 64)
	if err != nil {
		return events.Event{}, fmt.Errorf("invalid quantity %q", quantityStr)
	}
	occurredMs, err := strconv.ParseInt(occurredStr, 10, 64)
	if err != nil {
		return events.Event{}, fmt.Errorf("invalid occurred_at %q", occurredStr)
	}

	// user_id / reservation_id 可以为空
	userID, _ := getStreamString(values, "user_id")
	reservationID, _ := getStreamString(values, "reservation_id")

	ev := events.Event{
		ID:            id,
		Type:          events.Type(typ),
		SaleID:        saleID,
		UserID:        userID,
		ReservationID: reservationID,
		Quantity:      quantity,
		OccurredAt:    time.UnixMilli(occurredMs).UTC(),
	}
	if err := Validate(ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
