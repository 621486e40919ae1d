package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"flash_sale_engine/internal/admission"
	"flash_sale_engine/internal/checkout"
	"flash_sale_engine/internal/clock"
	"flash_sale_engine/internal/config"
	"flash_sale_engine/internal/database"
	"flash_sale_engine/internal/events"
	"flash_sale_engine/internal/inventory"
	"flash_sale_engine/internal/queue"
	"flash_sale_engine/internal/reconcile"
	"flash_sale_engine/internal/repository"
	"flash_sale_engine/internal/reservation"
	"flash_sale_engine/internal/router"
	rediskey "flash_sale_engine/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	rd "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 持久层：活动、订单、对账日志、事件归档
	db, err := database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	sales := repository.NewSaleRepository(db)
	orders := repository.NewOrderRepository(db)
	syncLog := repository.NewSyncLogRepository(db)
	archive := repository.NewEventRepository(db)

	// 2. 计数 / 预占 / 排队状态
	var (
		rdb        *rd.Client
		counter    inventory.Counter
		holds      reservation.Store
		queueStore admission.Store
		sink       events.Sink
		relay      *queue.Relay
	)
	switch cfg.StoreBackend {
	case "redis":
		rdb = rediskey.NewClient(cfg.RedisAddr, cfg.RedisDB, cfg.StoreTimeout)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		cancel()

		counter = inventory.NewRedisCounter(rdb, cfg.StoreTimeout)
		holds = reservation.NewRedisStore(rdb, cfg.StoreTimeout)
		queueStore = admission.NewRedisStore(rdb, cfg.StoreTimeout)
		sink = events.NewStreamSink(rdb, cfg.EventStream)

		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relay = queue.NewRelay(rdb, producer, cfg.EventStream, cfg.EventGroup, cfg.EventConsumer)
	default:
		log.Printf("server: STORE_BACKEND=memory, state is local to this process")
		counter = inventory.NewMemoryCounter()
		holds = reservation.NewMemoryStore()
		queueStore = admission.NewMemoryStore()
		sink = events.LogSink{}
	}

	// 3. 核心组件
	clk := clock.NewSystem()
	emitter := events.NewEmitter(sink, cfg.EventBuffer)
	ledger := reservation.NewLedger(holds, counter, clk,
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithEvents(emitter),
	)
	seq := admission.NewSequencer(queueStore, clk,
		admission.WithAdmissionRate(cfg.AdmitPerTick, cfg.AdmitTick),
		admission.WithAdmissionWindow(cfg.AdmissionWindow),
		admission.WithEvents(emitter),
	)
	policy, err := reconcile.ParsePolicy(cfg.ReconcileRepair)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	rec := reconcile.New(sales, orders, ledger, counter, syncLog, clk,
		reconcile.WithTolerance(cfg.ReconcileTolerance),
		reconcile.WithPolicy(policy),
		reconcile.WithEvents(emitter),
	)
	svc := checkout.NewService(sales, orders, seq, ledger, counter, clk, rec)

	// 4. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		Service:    svc,
		Reconciler: rec,
		Sales:      sales,
		SyncLog:    syncLog,
		Events:     archive,
		RDB:        rdb,
	}, cfg)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	// 5. 后台任务：事件投递、过期回收、放行、对账、outbox 转发、事件归档
	workers, wctx := errgroup.WithContext(ctx)
	workers.Go(func() error { emitter.Run(wctx); return nil })
	workers.Go(func() error { ledger.RunSweeper(wctx, cfg.SweepInterval); return nil })
	workers.Go(func() error { seq.RunAdmitter(wctx, sales); return nil })
	workers.Go(func() error { reconcile.NewJob(rec, sales, cfg.ReconcileInterval).Run(wctx); return nil })
	if relay != nil {
		workers.Go(func() error { relay.Run(wctx); return nil })
	}
	if cfg.EventArchive {
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, archive)
		defer consumer.Close()
		workers.Go(func() error { consumer.Run(wctx); return nil })
	}
	workers.Go(func() error {
		log.Printf("server: listening on %s backend=%s db=%s", cfg.HTTPAddr, cfg.StoreBackend, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	workers.Go(func() error {
		<-wctx.Done()
		log.Printf("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := workers.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
	emitter.Wait()
}
