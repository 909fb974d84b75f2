package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/pulseboardhq/pulseboard/internal/config"
	"github.com/pulseboardhq/pulseboard/internal/events"
	"github.com/pulseboardhq/pulseboard/router"
	"github.com/pulseboardhq/pulseboard/services"
	"github.com/pulseboardhq/pulseboard/workers"
)

func main() {
	log.Println("Starting pulseboard API...")

	// Load Config
	configPath := os.Getenv("PULSEBOARD_CONFIG_PATH")

	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	// Test database connection
	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("Connected to database successfully")

	// Redis connection (measure cache). Optional: without it the cache
	// degrades to direct compute.
	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		log.Println("REDIS_URL not set, measure cache disabled")
	}

	// Structured event sink
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	emitter := events.NewLogEmitter(logger)

	// Query engine
	engine := services.NewEngine(pg, redisClient, emitter, config.App.QueryEngine)
	defer engine.Close()

	// Cache invalidation worker
	invalidationWorker := workers.NewInvalidationWorker(engine.OrgStore, engine, emitter,
		config.App.QueryEngine.OrgPollInterval())
	go invalidationWorker.Start()
	defer invalidationWorker.Stop()

	// HTTP server
	r := router.NewGinRouter(engine)

	go func() {
		log.Printf("Listening on :%s", config.App.Port)
		if err := r.Run(":" + config.App.Port); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")
}
