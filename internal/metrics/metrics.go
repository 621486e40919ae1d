package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 预占请求结果分布（ok / insufficient / unavailable / error）
	ReservationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_sale_reservation_attempts_total",
		Help: "Reservation attempts partitioned by result",
	}, []string{"result"})

	// 预占回补次数，reason = cancel / expired / compensate
	ReservationReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_sale_reservation_releases_total",
		Help: "Reservations whose units were restored to the counter",
	}, []string{"reason"})

	ReservationFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_sale_reservation_finalized_total",
		Help: "Reservations finalized by checkout",
	})

	QueueJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_sale_queue_joins_total",
		Help: "Queue joins partitioned by outcome (new / duplicate)",
	}, []string{"outcome"})

	// 活动剩余库存（展示用，最后一次观察到的值）
	StockLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flash_sale_stock_level",
		Help: "Last observed available units per sale",
	}, []string{"sale_id"})

	QueueWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flash_sale_queue_watermark",
		Help: "Current admission watermark per sale",
	}, []string{"sale_id"})

	InventoryDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flash_sale_inventory_drift",
		Help: "Store count minus durable count from the last reconciliation",
	}, []string{"sale_id"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_sale_events_emitted_total",
		Help: "Domain events accepted by the emitter",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_sale_events_dropped_total",
		Help: "Domain events dropped because the emitter buffer was full",
	})
)
