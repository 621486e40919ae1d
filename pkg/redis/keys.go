package redis

import "fmt"

// StockKey 统一约定秒杀活动库存键名（权威可用库存计数器）。
func StockKey(saleID string) string {
	return fmt.Sprintf("flash_sale:stock:%s", saleID)
}

// StockGuardKey 标记某个幂等键（如 restore:<id>）是否已做过库存回补。
func StockGuardKey(guard string) string {
	return fmt.Sprintf("flash_sale:stock:guard:%s", guard)
}

// ReservationKey 存储单个预占记录（hash）。
func ReservationKey(reservationID string) string {
	return fmt.Sprintf("flash_sale:reservation:%s", reservationID)
}

// ReservationExpiryKey 是所有预占记录的过期索引（zset，score=expires_at 毫秒）。
func ReservationExpiryKey() string {
	return "flash_sale:reservation:expiry"
}

// ReservationOutstandingKey 汇总每个活动未结清预占（hash，字段 held:<sale> / count:<sale>）。
func ReservationOutstandingKey() string {
	return "flash_sale:reservation:outstanding"
}

// QueueSeqKey 是活动排队位置的单调计数器。
func QueueSeqKey(saleID string) string {
	return fmt.Sprintf("flash_sale:queue:%s:seq", saleID)
}

// QueueWatermarkKey 保存当前放行水位（最大可尝试下单的位置）。
func QueueWatermarkKey(saleID string) string {
	return fmt.Sprintf("flash_sale:queue:%s:watermark", saleID)
}

// QueueAdmitLogKey 记录每次推进水位的时间（zset，score=水位，member=毫秒时间戳）。
func QueueAdmitLogKey(saleID string) string {
	return fmt.Sprintf("flash_sale:queue:%s:admit_log", saleID)
}

// QueueEntryKey 存储 (sale, user) 的排队记录（hash）。
func QueueEntryKey(saleID, userID string) string {
	return fmt.Sprintf("flash_sale:queue:%s:entry:%s", saleID, userID)
}

// QueueHoldKey 标记某排队用户当前占用的预占 ID，同一时间只允许一个。
func QueueHoldKey(saleID, userID string) string {
	return fmt.Sprintf("flash_sale:queue:%s:hold:%s", saleID, userID)
}

// RateLimitKey 是限流 zset 的键名，scope 区分 user/ip。
func RateLimitKey(scope, id string) string {
	return fmt.Sprintf("rate_limit:flash_sale:%s:%s", scope, id)
}
