package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/talk-signaling/config"
	"github.com/mossy-p/talk-signaling/internal/backend"
	"github.com/mossy-p/talk-signaling/internal/bus"
	"github.com/mossy-p/talk-signaling/internal/handlers"
	"github.com/mossy-p/talk-signaling/internal/redis"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis (assignment cache + room store)
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	log.Println("Redis connection established")

	rooms := redis.NewRoomStore(redisClient)

	// Signaling backend coordination
	registry := backend.NewRegistry(cfg)
	router := backend.NewRouter(registry, redisClient, cfg.AssignmentCacheTTL)
	notifier := backend.NewNotifier(router)

	log.Printf("Signaling mode: %s (%d backends)", registry.Mode(), len(registry.List()))

	// Internal message bus (used when no backend is configured)
	messageBus, err := bus.Open(cfg.BusDBPath, rooms)
	if err != nil {
		log.Fatalf("Failed to open message bus: %v", err)
	}
	defer messageBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go messageBus.RunExpiry(ctx, time.Minute, cfg.BusMessageTTL)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()
	engine.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	api := &handlers.API{
		Registry:     registry,
		Router:       router,
		Notifier:     notifier,
		Bus:          messageBus,
		Rooms:        rooms,
		TicketSecret: cfg.TicketSecret,
	}
	api.Register(engine)

	// Start server
	log.Printf("Starting signaling coordinator on port %s", cfg.Port)
	if err := engine.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
