package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/vt888Vip/stock-version-2-sub000/internal/gateway"
	"github.com/vt888Vip/stock-version-2-sub000/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting notification gateway (port=%s)", cfg.GatewayPort)

	gin.SetMode(gin.ReleaseMode)
	hub := gateway.NewHub()
	srv := gateway.NewServer(hub, cfg.JWTSecret, cfg.EmitSecret)

	if err := srv.Start(":" + cfg.GatewayPort); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
