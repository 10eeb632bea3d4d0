package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vt888Vip/stock-version-2-sub000/internal/lock"
	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/internal/worker"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting trade worker (queue=%s prefetch=%d)", cfg.TradeQueue, cfg.Prefetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	defer rdb.Close()

	hostname, _ := os.Hostname()
	q := queue.New(rdb, cfg.TradeQueue, hostname+"-trade-worker", cfg.MaxAttempts)

	if n, err := q.ReclaimProcessing(ctx); err != nil {
		log.Fatalf("reclaim in-flight messages: %v", err)
	} else if n > 0 {
		log.Printf("reclaimed %d in-flight message(s) from previous run", n)
	}

	locks := lock.NewManager(rdb, "lock:")
	sink := notify.NewHTTPSink(cfg.GatewayURL, cfg.EmitSecret)
	w := worker.NewTradeWorker(database, locks, sink, cfg.Rounds)

	go logQueueDepths(ctx, q, cfg.TradeQueue)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutting down trade worker")
		cancel()
	}()

	if err := q.Consume(ctx, cfg.Prefetch, w.Process); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consume: %v", err)
	}
}

// logQueueDepths reports queue list sizes every 30s for operations.
func logQueueDepths(ctx context.Context, q *queue.Queue, name string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, processing, delayed, dead := q.Depths(ctx)
			log.Printf("[%s] depth: ready=%d processing=%d delayed=%d dead=%d",
				name, ready, processing, delayed, dead)
		}
	}
}
