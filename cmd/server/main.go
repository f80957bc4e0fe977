package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/market-auction/internal/bidding"
	"github.com/iliyamo/market-auction/internal/config"
	"github.com/iliyamo/market-auction/internal/database"
	"github.com/iliyamo/market-auction/internal/handler"
	"github.com/iliyamo/market-auction/internal/lock"
	"github.com/iliyamo/market-auction/internal/middleware"
	"github.com/iliyamo/market-auction/internal/queue"
	"github.com/iliyamo/market-auction/internal/repository"
	"github.com/iliyamo/market-auction/internal/router"
	"github.com/iliyamo/market-auction/internal/service"
	"github.com/iliyamo/market-auction/internal/settlement"
	"github.com/iliyamo/market-auction/internal/watch"
)

func main() {
	_ = godotenv.Load() // .env is optional; real environment wins

	cfg := config.Load()
	config.SetupLogger(cfg.Env, cfg.LogLevel)

	store, watches, db := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	rdb := config.NewRedisClient()
	if rdb != nil {
		defer rdb.Close()
	}

	dispatcher := settlement.NewDispatcher(newMessenger(cfg.Notify), settlement.Config{
		Workers: cfg.Notify.Workers,
		Backlog: cfg.Notify.Backlog,
		Timeout: cfg.Notify.Timeout,
	})

	clock := bidding.SystemClock{}
	engine := bidding.NewEngine(store, newLocker(cfg.Auction, rdb), bidding.Options{
		Clock:     clock,
		Schedule:  newSchedule(cfg.Auction),
		Supersede: newSupersede(cfg.Auction),
		Cancel:    newCancel(cfg.Auction),
		Notifier:  dispatcher,
		LockWait:  cfg.Auction.LockWait,
		Retries:   retries(cfg.Auction.ConflictRetries),
	})
	sweeper := bidding.NewSweeper(engine, store, bidding.SweeperOptions{
		Interval: cfg.Auction.SweepInterval,
		Batch:    cfg.Auction.SweepBatch,
		Workers:  cfg.Auction.SweepWorkers,
		Grace:    cfg.Auction.SweepGrace,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.Logger())

	router.RegisterRoutes(e, &handler.HealthHandler{Registry: store, Clock: clock, Grace: sweeper.Grace()})
	router.RegisterAuctions(e,
		handler.NewAuctionHandler(store, engine, watch.NewTracker(watches)),
		cfg.JWTSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if cfg.Notify.Enabled && cfg.Notify.ConsumerEnabled {
		consumer := &queue.NotificationConsumer{URL: cfg.Notify.URL, Queue: cfg.Notify.Queue, LogDir: cfg.Notify.LogDir}
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.Auction.StoreDriver).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shutdown complete")
}

// openStore returns the store selected by STORE_DRIVER together with the
// matching watch store.  db is nil for the memory store.
func openStore(cfg config.Config) (repository.Store, repository.WatchStore, *sql.DB) {
	if cfg.Auction.StoreDriver == config.StoreMemory {
		log.Warn().Msg("store: using in-memory store; state is lost on restart")
		mem := repository.NewMemoryStore()
		return mem, mem, nil
	}
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store: mysql unavailable")
	}
	return repository.NewMySQLStore(db), repository.NewWatchRepo(db), db
}

// newLocker always takes the in-process lock first; the Redis lock is
// added when several instances share one database.
func newLocker(cfg config.AuctionConfig, rdb *redis.Client) lock.Locker {
	local := lock.NewLocal(0)
	if !cfg.DistributedLock {
		return local
	}
	if rdb == nil {
		log.Warn().Msg("lock: DISTRIBUTED_LOCK set but redis unavailable; relying on row locks")
		return local
	}
	return lock.Chain{local, lock.NewRedis(rdb, "auction-lock", cfg.LockTTL)}
}

func newSchedule(cfg config.AuctionConfig) bidding.PriceSchedule {
	if cfg.DownSchedule == "stepped" {
		return bidding.SteppedDecay{Step: cfg.DownStep, Interval: cfg.DownStepInterval}
	}
	return bidding.LinearDecay{Tick: cfg.DownTick}
}

func newSupersede(cfg config.AuctionConfig) bidding.SupersedePolicy {
	if cfg.SupersedePolicy == "reject" {
		return bidding.RejectSupersede{}
	}
	return bidding.AllowSupersede{}
}

func newCancel(cfg config.AuctionConfig) bidding.CancelPolicy {
	if cfg.CancelPolicy == "always" {
		return bidding.CancelAlways{}
	}
	return bidding.CancelWithoutBids{}
}

func newMessenger(cfg config.NotifyConfig) settlement.Messenger {
	if !cfg.Enabled {
		return settlement.LogMessenger{}
	}
	return service.NewAMQPMessenger(cfg.URL, cfg.Queue)
}

// retries maps BID_CONFLICT_RETRIES onto engine options.  A configured
// zero means no retries, which the engine spells as a negative count.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
