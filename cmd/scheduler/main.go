package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
	"github.com/vt888Vip/stock-version-2-sub000/internal/queue"
	"github.com/vt888Vip/stock-version-2-sub000/internal/scheduler"
	"github.com/vt888Vip/stock-version-2-sub000/internal/session"
	"github.com/vt888Vip/stock-version-2-sub000/internal/timer"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting scheduler (port=%s db=%s redis=%s)", cfg.Port, cfg.DBPath, cfg.RedisAddr)

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
	settleQ := queue.New(rdb, cfg.SettlementQueue, hostname+"-scheduler", cfg.MaxAttempts)
	sink := notify.NewHTTPSink(cfg.GatewayURL, cfg.EmitSecret)
	life := session.NewManager(database, 0)
	timers := timer.NewService(0)

	svc := scheduler.New(database, life, timers, settleQ, sink, cfg.Rounds)
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer svc.Stop()

	go runAdminAPI(cfg, database, svc)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down scheduler")
}

// runAdminAPI exposes health plus the staged-result endpoint that lets an
// operator fix the outcome of an upcoming session.
func runAdminAPI(cfg *config.Config, database *db.Database, svc *scheduler.Service) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		id, end, ok := svc.CurrentSession()
		pending, scheduled, fired, canceled := svc.TimerStats()
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"currentSession": id,
			"trading":        ok,
			"sessionEndsAt":  end.UTC(),
			"timers": gin.H{
				"pending":   pending,
				"scheduled": scheduled,
				"fired":     fired,
				"canceled":  canceled,
			},
		})
	})

	r.POST("/admin/sessions/:id/result", func(c *gin.Context) {
		if c.GetHeader("X-Emit-Secret") != cfg.EmitSecret {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		var body struct {
			Result string `json:"result"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || (body.Result != db.DirectionUp && body.Result != db.DirectionDown) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "result must be UP or DOWN"})
			return
		}

		id := c.Param("id")
		if _, err := scheduler.ParseSessionID(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		if err := database.StageResult(c.Request.Context(), id, body.Result); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": id, "result": body.Result})
	})

	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("admin api: %v", err)
	}
}
