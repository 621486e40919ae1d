package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"flash_sale_engine/internal/checkout"
	"flash_sale_engine/internal/config"
	"flash_sale_engine/internal/middleware"
	"flash_sale_engine/internal/reconcile"
	"flash_sale_engine/internal/repository"
	"flash_sale_engine/internal/reservation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
)

// Deps 是路由需要的全部协作方。RDB 为空时（memory 后端）不启用限流。
type Deps struct {
	Service    *checkout.Service
	Reconciler *reconcile.Reconciler
	Sales      *repository.SaleRepository
	SyncLog    *repository.SyncLogRepository
	Events     *repository.EventRepository
	RDB        *rd.Client
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/sales", listSales(d.Sales))
	api.POST("/sales/:sale_id/queue", joinQueue(d.Service))
	api.GET("/sales/:sale_id/queue/:user_id", queueStatus(d.Service))
	api.DELETE("/sales/:sale_id/queue/:user_id", leaveQueue(d.Service))
	api.GET("/sales/:sale_id/stock", getStock(d.Service))

	reserveChain := []gin.HandlerFunc{}
	if d.RDB != nil {
		reserveChain = append(reserveChain, middleware.RedisRateLimit(d.RDB, cfg.ReserveRateLimit, cfg.ReserveRateWindow))
	}
	reserveChain = append(reserveChain, reserve(d.Service))
	api.POST("/sales/:sale_id/reservations", reserveChain...)
	api.POST("/reservations/:id/checkout", checkoutReservation(d.Service))
	api.DELETE("/reservations/:id", cancelReservation(d.Service))

	admin := api.Group("/admin", middleware.AdminToken(cfg.AdminToken))
	admin.POST("/sales", createSale(d.Service))
	admin.POST("/sales/:sale_id/cancel", cancelSale(d.Sales))
	admin.POST("/sales/:sale_id/preload", preloadStock(d.Service))
	admin.POST("/sales/:sale_id/advance", advanceWatermark(d.Service))
	admin.GET("/sales/:sale_id/snapshot", snapshot(d.Service))
	admin.POST("/sales/:sale_id/reconcile", reconcileSale(d.Reconciler))
	admin.POST("/sales/:sale_id/repair", repairSale(d.Reconciler))
	admin.GET("/sales/:sale_id/sync_log", syncLog(d.SyncLog))
	admin.GET("/sales/:sale_id/events", saleEvents(d.Events))
	admin.POST("/sweep", sweep(d.Service))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

// limitParam 解析 ?limit=，缺省或非法时返回 fallback。
func limitParam(c *gin.Context, fallback int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}

// listSales 查询活动列表。
func listSales(sales *repository.SaleRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := sales.List(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func joinQueue(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		e, created, err := svc.Join(c.Request.Context(), c.Param("sale_id"), req.UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"entry": e, "created": created})
	}
}

func queueStatus(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Status(c.Request.Context(), c.Param("sale_id"), c.Param("user_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

func leaveQueue(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Leave(c.Request.Context(), c.Param("sale_id"), c.Param("user_id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"status": "removed"})
	}
}

// getStock 展示用库存，存储不可达时返回最后一次观察值并标记 stale。
func getStock(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Peek(c.Request.Context(), c.Param("sale_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

// reserve 是抢购入口：已放行的排队用户原子扣减库存并获得限时预占。
func reserve(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID   string `json:"user_id" binding:"required"`
			Quantity int64  `json:"quantity" binding:"omitempty,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		r, err := svc.Reserve(c.Request.Context(), checkout.ReserveInput{
			SaleID:   c.Param("sale_id"),
			UserID:   req.UserID,
			Quantity: req.Quantity,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, r)
	}
}

func checkoutReservation(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := svc.Checkout(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, order)
	}
}

// cancelReservation 幂等：预占不存在时返回 released=false。
func cancelReservation(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		released, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil && !errors.Is(err, reservation.ErrReservationNotFound) {
			fail(c, err)
			return
		}
		ok(c, gin.H{"released": released})
	}
}

// createSale 创建秒杀活动（含时间窗校验），同时写入计数存储。
func createSale(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID         string `json:"product_id" binding:"required"`
			Name              string `json:"name" binding:"required"`
			TotalQuantity     int64  `json:"total_quantity" binding:"required,min=1"`
			MaxPerReservation int64  `json:"max_per_reservation" binding:"omitempty,min=1"`
			StartTime         string `json:"start_time" binding:"required"`
			EndTime           string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			badRequest(c, "start_time 格式错误，请用 RFC3339")
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			badRequest(c, "end_time 格式错误，请用 RFC3339")
			return
		}
		sale, err := svc.CreateSale(c.Request.Context(), checkout.CreateSaleInput{
			ProductID:         req.ProductID,
			Name:              req.Name,
			TotalQuantity:     req.TotalQuantity,
			MaxPerReservation: req.MaxPerReservation,
			StartTime:         start,
			EndTime:           end,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, sale)
	}
}

func cancelSale(sales *repository.SaleRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sales.Cancel(c.Request.Context(), c.Param("sale_id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"status": "cancelled"})
	}
}

// preloadStock 把活动总量写入计数存储；?overwrite=true 时覆盖已有计数。
func preloadStock(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		overwrite := c.Query("overwrite") == "true"
		loaded, err := svc.LoadSale(c.Request.Context(), c.Param("sale_id"), overwrite)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"loaded": loaded})
	}
}

func advanceWatermark(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			By int64 `json:"by" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		wm, err := svc.AdvanceWatermark(c.Request.Context(), c.Param("sale_id"), req.By)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"watermark": wm})
	}
}

func snapshot(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.Snapshot(c.Request.Context(), c.Param("sale_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, snap)
	}
}

// reconcileSale 立即对账；发现差异时仍返回 200 和报告，由 drift 字段标识。
func reconcileSale(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := rec.Reconcile(c.Request.Context(), c.Param("sale_id"))
		if err != nil && !errors.Is(err, reconcile.ErrDriftDetected) {
			fail(c, err)
			return
		}
		ok(c, rep)
	}
}

func repairSale(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Operator string `json:"operator" binding:"required"`
			Note     string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rep, err := rec.Repair(c.Request.Context(), c.Param("sale_id"), req.Operator, req.Note)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rep)
	}
}

func syncLog(repo *repository.SyncLogRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := repo.Recent(c.Request.Context(), c.Param("sale_id"), limitParam(c, 20))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rows)
	}
}

func saleEvents(repo *repository.EventRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := repo.Recent(c.Request.Context(), c.Param("sale_id"), limitParam(c, 50))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rows)
	}
}

// sweep 手动触发一批过期预占回收。
func sweep(svc *checkout.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.Sweep(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"released": n})
	}
}
