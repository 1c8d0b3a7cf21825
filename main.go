package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mf_backend_project/config"
	"mf_backend_project/controllers"
	"mf_backend_project/middleware"
	"mf_backend_project/models"
	"mf_backend_project/routes"
	"mf_backend_project/scheduler"
	"mf_backend_project/services/aggregation"
	"mf_backend_project/services/cache"
	"mf_backend_project/services/calendar"
	"mf_backend_project/services/events"
	"mf_backend_project/services/lock"
	"mf_backend_project/services/marketdata"
	"mf_backend_project/services/realtime"
	"mf_backend_project/services/registry"
	"mf_backend_project/services/runlog"
	"mf_backend_project/services/store"

	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("==============================================")
	log.Println("  Market Data Backend - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("ERROR: Config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	pipelineFile, err := config.LoadPipelineFile(cfg.PipelineFile)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational registry
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("ERROR: Database connection failed: %v", err)
	}
	log.Println("Running database migrations...")
	if err := models.MigrateFundModels(db); err != nil {
		log.Fatalf("ERROR: Migration failed: %v", err)
	}

	// Document store and volatile tier
	mongoClient, mongoDB, err := config.InitMongo(cfg)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	if err := store.EnsureIndexes(ctx, mongoDB); err != nil {
		log.Fatalf("ERROR: Failed to create collection indexes: %v", err)
	}
	durable := cache.NewMongoStore(mongoDB)
	if err := durable.EnsureIndexes(ctx); err != nil {
		log.Fatalf("ERROR: Failed to create cache indexes: %v", err)
	}

	rdb := config.NewRedisClient(cfg)
	tiered := cache.New(rdb, durable)
	go tiered.WatchPrimary(ctx, 10*time.Second)

	indices := store.NewIndexStore(mongoDB, tiered)
	history := store.NewHistoryStore(mongoDB)
	navs := store.NewNAVStore(mongoDB)

	// Calendar is seeded from the pipeline file, then loaded from the table
	funds := registry.NewFundRegistry(db)
	holidays := registry.NewHolidayRepo(db)
	if n, err := holidays.Seed(ctx, pipelineFile.Holidays, calendar.IST); err != nil {
		log.Printf("Warning: Could not seed market holidays: %v", err)
	} else if n > 0 {
		log.Printf("Seeded %d market holidays", n)
	}
	rows, err := holidays.All(ctx)
	if err != nil {
		log.Fatalf("ERROR: Failed to load market holidays: %v", err)
	}
	cal, err := calendar.New(rows)
	if err != nil {
		log.Fatalf("ERROR: Invalid market calendar: %v", err)
	}

	analytics := aggregation.NewService(
		navs,
		store.NewReturnsStore(mongoDB),
		store.NewGraphStore(mongoDB),
		aggregation.WithCache(tiered),
		aggregation.WithLocation(calendar.IST),
	)

	validator := middleware.NewJWTValidator(cfg.JWTSecret)
	hub := realtime.NewHub(validator.Authenticate)
	publisher := newPublisher(cfg)

	runs, err := runlog.Open(cfg.RunLogPath)
	if err != nil {
		log.Fatalf("ERROR: Failed to open run log: %v", err)
	}

	// Background jobs
	locker := lock.New(rdb)
	log.Printf("Job locks are taken as owner %s", locker.Token())

	jobScheduler := scheduler.New(calendar.IST,
		scheduler.WithRunStore(runs),
		scheduler.WithPublisher(publisher),
	)
	pipeline := &scheduler.Pipeline{
		Locker:      locker,
		Calendar:    cal,
		Source:      marketdata.NewClient(cfg.IndicesAPIURL, cfg.AMFINavURL, cfg.HTTPFetchTimeout),
		Snapshots:   indices,
		History:     history,
		NAVs:        navs,
		Funds:       funds,
		Aggregator:  analytics,
		Holidays:    holidays,
		Broadcaster: hub,
		Publisher:   publisher,
		Runs:        runs,
	}
	if err := pipeline.Register(jobScheduler, pipelineFile); err != nil {
		log.Fatalf("ERROR: Invalid job configuration: %v", err)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		log.Fatalf("ERROR: Scheduler failed to start: %v", err)
	}

	adminFailures := middleware.NewRateLimiter(5, 15*time.Minute, 15*time.Minute)
	triggerLimiter := middleware.NewRateLimiter(10, time.Minute, time.Minute)
	go adminFailures.StartCleanup(ctx, 5*time.Minute)
	go triggerLimiter.StartCleanup(ctx, 5*time.Minute)

	checks := map[string]controllers.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"mongodb": func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		},
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
	details := func() map[string]interface{} {
		return map[string]interface{}{
			"cache_primary": tiered.PrimaryAvailable(),
			"websocket":     hub.Status(),
			"jobs":          jobScheduler.Jobs(),
		}
	}

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.RequestLogger(time.Second))

	routes.SetupRoutes(router, routes.Dependencies{
		Market:         controllers.NewMarketController(indices, history, cal),
		Funds:          controllers.NewFundController(analytics),
		Jobs:           controllers.NewJobController(jobScheduler, runs),
		Health:         controllers.NewHealthController(checks, details),
		WebSocket:      hub.HandleWebSocket,
		JWT:            validator,
		AdminKeyHash:   cfg.AdminKeyHash,
		AdminFailures:  adminFailures,
		TriggerLimiter: triggerLimiter,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting requests before the producers go away
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	jobScheduler.Stop()
	hub.Shutdown()

	if err := publisher.Close(); err != nil {
		log.Printf("Warning: Failed to close event publisher: %v", err)
	}
	if err := runs.Close(); err != nil {
		log.Printf("Warning: Failed to close run log: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("Warning: Failed to close Redis client: %v", err)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Printf("Warning: Failed to disconnect MongoDB: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
		log.Println("Database connection closed")
	}

	log.Println("Server shutdown completed")
}

// newPublisher returns the Kafka publisher when a broker is configured
func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.KafkaBrokerURL == "" {
		log.Println("KAFKA_BROKER_URL not set, pipeline events are not published")
		return events.NoopPublisher{}
	}
	if err := events.EnsureTopic(cfg.KafkaBrokerURL, cfg.KafkaTopic); err != nil {
		log.Printf("Warning: Could not ensure Kafka topic %s: %v", cfg.KafkaTopic, err)
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokerURL, cfg.KafkaTopic)
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+middleware.AdminKeyHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
