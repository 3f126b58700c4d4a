package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"taskpilot/internal/budget"
	"taskpilot/internal/classifier"
	"taskpilot/internal/config"
	"taskpilot/internal/crypto"
	"taskpilot/internal/database"
	"taskpilot/internal/handlers"
	"taskpilot/internal/health"
	"taskpilot/internal/jobs"
	"taskpilot/internal/logging"
	"taskpilot/internal/memory"
	"taskpilot/internal/middleware"
	"taskpilot/internal/preflight"
	"taskpilot/internal/registry"
	"taskpilot/internal/router"
	"taskpilot/internal/services"
	"taskpilot/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting TaskPilot Server...")

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Model registry
	var reg *registry.Registry
	if cfg.ModelTiersFile != "" {
		loaded, err := registry.LoadFile(cfg.ModelTiersFile)
		if err != nil {
			log.Fatalf("❌ Failed to load model tiers from %s: %v", cfg.ModelTiersFile, err)
		}
		reg = loaded
		log.Printf("✅ Model registry loaded from %s (%d tiers)", cfg.ModelTiersFile, len(reg.List()))
	} else {
		reg = registry.Default()
		log.Printf("✅ Using built-in model registry (%d tiers)", len(reg.List()))
	}

	// MySQL usage audit trail (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize database: %v", err)
		}
	} else {
		log.Println("⚠️ DATABASE_URL not set - usage audit records disabled")
	}

	// MongoDB for memory documents and organization settings (optional)
	var mongoDB *database.MongoDB
	var encryptionService *crypto.EncryptionService
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		var err error
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())

		if err := mongoDB.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
		}

		if cfg.EncryptionMasterKey != "" {
			encryptionService, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
			if err != nil {
				log.Fatalf("❌ Failed to initialize encryption: %v", err)
			}
			log.Println("✅ Encryption service initialized")
		} else if cfg.IsProduction() {
			log.Fatal("❌ CRITICAL SECURITY ERROR: ENCRYPTION_MASTER_KEY is required in production when MongoDB is enabled. Generate with: openssl rand -hex 32")
		}
	} else {
		log.Println("⚠️ MONGODB_URI not set - memory and settings kept in process (development mode only)")
	}

	// Redis for the shared budget ledger, job locks and domain events (optional)
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		var err error
		redisService, err = services.NewRedisService(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
	} else {
		log.Println("⚠️ REDIS_URL not set - budget ledger is per instance")
	}

	// Metrics
	var metrics *services.Metrics
	if cfg.MetricsEnabled {
		metrics = services.InitMetrics(prometheus.DefaultRegisterer)
	}

	providerService := services.NewProviderService(reg, services.ProviderConfig{
		Keys:     cfg.ProviderKeys,
		BaseURLs: cfg.ProviderBaseURLs,
		RPS:      cfg.ProviderRPS,
	})

	// Run preflight checks
	checker := preflight.NewChecker(cfg, reg, providerService, db)
	if mongoDB != nil {
		checker.AddPing("MongoDB", mongoDB.Ping)
	}
	if redisService != nil {
		checker.AddPing("Redis", redisService.Ping)
	}
	if preflight.HasFailures(checker.RunAll(ctx)) {
		log.Fatal("❌ Pre-flight checks failed")
	}

	// Organization settings
	var settingsStore services.SettingsStore = services.NewMemorySettingsStore()
	if mongoDB != nil {
		settingsStore = services.NewMongoSettingsStore(mongoDB)
	}
	settingsService := services.NewSettingsService(settingsStore, services.SettingsDefaults{
		ClassificationMode: cfg.DefaultClassificationMode,
		MonthlyBudgetUSD:   cfg.DefaultMonthlyBudgetUSD,
	}, cfg.SettingsCacheTTL)

	// Task classifier
	taskClassifier := classifier.NewClassifier(reg, providerService, settingsService, cfg.ClassifierTimeout)
	if metrics != nil {
		taskClassifier.SetMetrics(metrics)
	}

	// Budget ledger
	var counter budget.Counter = budget.NewMemoryCounter()
	if redisService != nil {
		counter = budget.NewRedisCounter(redisService.Client())
	}
	var usageStore *budget.UsageStore
	var usageSink budget.UsageSink
	if db != nil {
		usageStore = budget.NewUsageStore(db)
		usageSink = usageStore
	}
	ledger := budget.NewLedger(counter, settingsService, usageSink)

	// Hierarchical memory
	templates, err := memory.LoadTemplates(cfg.MemoryTemplatesFile)
	if err != nil {
		log.Fatalf("❌ Failed to load memory templates: %v", err)
	}
	if cfg.MemoryTemplatesFile != "" {
		go templates.Watch(ctx, cfg.MemoryTemplatesFile)
	}
	var memoryStore memory.Store = memory.NewInMemoryStore()
	if mongoDB != nil {
		memoryStore = memory.NewMongoStore(mongoDB, encryptionService)
	}
	memoryService := memory.NewService(memoryStore, templates, memory.Config{
		DefaultMaxTokens:   cfg.MemoryDefaultMaxTokens,
		IterativeMaxTokens: cfg.MemoryIterativeMaxTokens,
		SessionTTL:         cfg.MemorySessionTTL,
		ChunkRetention:     cfg.MemoryChunkRetention,
	})
	if metrics != nil {
		memoryService.SetMetrics(metrics)
	}

	// Tier health
	tierHealth := health.NewService(3, time.Hour)
	tierIDs := make([]string, 0, len(reg.List()))
	for _, tier := range reg.List() {
		tierHealth.RegisterTier(tier.ID, tier.Provider)
		tierIDs = append(tierIDs, tier.ID)
	}
	tierHealth.SetProbe(providerService.Probe)

	// Request router
	requestRouter := router.New(reg, taskClassifier, providerService, ledger, memoryService, router.Config{
		MemoryMaxTokens: cfg.MemoryContextMaxTokens,
		AttemptTimeout:  cfg.ProviderAttemptLimit,
		CacheTTL:        cfg.RouterCacheTTL,
	})
	requestRouter.SetHealth(tierHealth)
	if metrics != nil {
		requestRouter.SetMetrics(metrics)
	}

	// Domain events from other services
	var pubsubService *services.PubSubService
	var publisher handlers.UpdatePublisher
	if redisService != nil {
		pubsubService = services.NewPubSubService(redisService, uuid.New().String())
		pubsubService.SubscribeMemoryUpdates(memoryService)
		if err := pubsubService.Start(); err != nil {
			log.Printf("⚠️ Failed to start PubSub: %v", err)
		} else {
			publisher = pubsubService
		}
	}

	// Background jobs
	var locker jobs.Locker
	if redisService != nil {
		locker = redisService
	}
	jobScheduler, err := jobs.NewJobScheduler(locker)
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	for _, job := range []jobs.Job{
		jobs.NewMemoryUpdateDrainJob(memoryService, cfg.UpdateDrainSchedule, cfg.UpdateDrainBatch),
		jobs.NewSessionReaperJob(memoryService, cfg.SessionReaperSchedule),
		jobs.NewChunkGCJob(memoryService, cfg.ChunkGCSchedule),
		jobs.NewTierHealthChecker(tierHealth, tierIDs, cfg.TierHealthSchedule),
	} {
		if err := jobScheduler.Register(job); err != nil {
			log.Fatalf("❌ Failed to register job %s: %v", job.Name(), err)
		}
	}
	jobScheduler.Start()

	// Authentication
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, time.Hour)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
	} else {
		log.Println("⚠️ JWT_SECRET not set - identity taken from X-Org-ID/X-User-ID headers (development mode only)")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "TaskPilot v1.0",
		ReadTimeout:  180 * time.Second,
		WriteTimeout: 180 * time.Second, // primary + fallback attempts
		IdleTimeout:  180 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	if cfg.MetricsEnabled {
		prom := fiberprometheus.New("taskpilot")
		prom.RegisterAt(app, "/metrics")
		app.Use(prom.Middleware)
		log.Println("📊 Prometheus metrics endpoint enabled at /metrics")
	}

	allowCredentials := cfg.AllowedOrigins != "*"
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		AllowCredentials: allowCredentials,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", cfg.AllowedOrigins)

	rateLimitConfig := middleware.LoadRateLimitConfig(cfg.RequestsPerMinute)
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	connManager := services.NewConnectionManager(cfg.MemorySocketsPerOrg)
	healthHandler := handlers.NewHealthHandler(connManager, tierHealth, jobScheduler)
	routeHandler := handlers.NewRouteHandler(requestRouter, reg)
	memoryHandler := handlers.NewMemoryHandler(memoryService, publisher)
	settingsHandler := handlers.NewSettingsHandler(settingsService, ledger, spendByTier(usageStore))
	memoryWSHandler := handlers.NewMemoryWebSocketHandler(connManager, memoryService, metrics)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api", middleware.AuthMiddleware(jwtAuth, cfg.Environment))

	ai := api.Group("/ai")
	ai.Post("/route", middleware.RouteRateLimiter(rateLimitConfig), routeHandler.Route)
	ai.Post("/preview", routeHandler.Preview)
	ai.Get("/tiers", routeHandler.ListTiers)

	mem := api.Group("/memory")
	mem.Post("/context", memoryHandler.GetContext)
	mem.Post("/sessions/:id/more", memoryHandler.MoreContext)
	mem.Post("/sessions/:id/complete", memoryHandler.CompleteSession)
	mem.Post("/updates", memoryHandler.QueueUpdate)
	mem.Get("/documents", memoryHandler.ListDocuments)

	api.Get("/settings", settingsHandler.GetSettings)
	api.Put("/settings", settingsHandler.UpdateSettings)
	api.Get("/budget/usage", settingsHandler.GetUsage)

	// WebSocket route (requires auth)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	wsConfig := websocket.Config{
		Origins: strings.Split(cfg.AllowedOrigins, ","),
	}
	app.Use("/ws/memory", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Use("/ws/memory", middleware.AuthMiddleware(jwtAuth, cfg.Environment))
	app.Get("/ws/memory", websocket.New(memoryWSHandler.Handle, wsConfig))

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🧠 Memory endpoint: ws://localhost:%s/ws/memory", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		if err := jobScheduler.Stop(); err != nil {
			log.Printf("⚠️ Error stopping job scheduler: %v", err)
		}

		if pubsubService != nil {
			if err := pubsubService.Stop(); err != nil {
				log.Printf("⚠️ Error stopping PubSub: %v", err)
			}
		}

		cancel()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// spendByTier avoids handing the handler a typed nil
func spendByTier(store *budget.UsageStore) handlers.TierSpendReader {
	if store == nil {
		return nil
	}
	return store
}
