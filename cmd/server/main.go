package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"insightloop/internal/config"
	"insightloop/internal/connectivity"
	"insightloop/internal/handlers"
	"insightloop/internal/jobs"
	"insightloop/internal/localstore"
	"insightloop/internal/logging"
	"insightloop/internal/middleware"
	"insightloop/internal/remotestore"
	"insightloop/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting InsightLoop Sync Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Remote: %s)", cfg.Port, cfg.RemoteBaseURL)

	// Overlay the sync policy from file, if configured
	if cfg.SyncPolicyFile != "" {
		policy, err := config.LoadSyncPolicy(cfg.SyncPolicyFile, cfg.Sync)
		if err != nil {
			log.Printf("⚠️  Failed to load sync policy from %s: %v (using env/defaults)", cfg.SyncPolicyFile, err)
		} else {
			cfg.Sync = policy
			log.Printf("✅ Sync policy loaded from %s", cfg.SyncPolicyFile)
		}
	}

	// Initialize the local store (durable SQLite, or in-memory for ephemeral runs)
	var store localstore.Store
	if cfg.Ephemeral {
		store = localstore.NewMemory()
		log.Println("⚠️  Ephemeral store enabled: sessions will not survive a restart")
	} else {
		sqliteStore, err := localstore.NewSQLite(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("❌ Failed to open local store: %v", err)
		}
		store = sqliteStore
		log.Printf("✅ Local store ready at %s", cfg.DatabasePath)
	}
	defer store.Close()

	// Remote store client
	remote := remotestore.NewClient(cfg.RemoteBaseURL, cfg.Sync.RemoteTimeout)

	// Connectivity prober (starts pessimistic, flips online on first success)
	prober := connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout)

	// Metrics, sync event hub, and the persisted sync queue
	metrics := services.InitMetrics()
	eventHub := services.NewSyncEventHub()
	queue := services.NewSyncQueue(store, metrics)
	if err := queue.Load(context.Background()); err != nil {
		log.Printf("⚠️ [SYNC] Failed to load persisted sync queue: %v (starting empty)", err)
	} else if queue.Len() > 0 {
		log.Printf("🔄 [SYNC] Restored %d pending session(s) from the persisted queue", queue.Len())
	}

	// Session manager: the single entry point for session reads and writes
	manager := services.NewSessionManager(store, remote, prober, queue, cfg.Sync, metrics, eventHub)
	manager.Start()
	prober.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "InsightLoop v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // 10MB: sessions carry full message histories
		UnescapePath: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("insightloop")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Sync=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.SyncTriggerMax,
		rateLimitConfig.WebSocketMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		// Default to localhost for development
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard
	// origins; with a same-origin UI credentials aren't needed anyway.
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))

	// Global API rate limiter
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	log.Println("🛡️  [RATE-LIMIT] Global API rate limiter enabled")

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(manager, prober)
	sessionHandler := handlers.NewSessionHandler(manager)
	syncWSHandler := handlers.NewSyncWebSocketHandler(eventHub)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api/research")
	api.Get("/sessions", sessionHandler.List)
	api.Post("/sessions", sessionHandler.Create)
	api.Get("/sessions/:id", sessionHandler.Get)
	api.Put("/sessions/:id", sessionHandler.Save)
	api.Post("/sessions/:id/messages", sessionHandler.AddMessage)
	api.Delete("/sessions/:id", sessionHandler.Delete)
	api.Post("/sync", middleware.SyncTriggerRateLimiter(rateLimitConfig), sessionHandler.Sync)
	api.Get("/sync/status", sessionHandler.Status)

	// WebSocket route for live sync events
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/sync", middleware.WebSocketRateLimiter(rateLimitConfig))
	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Get("/ws/sync", websocket.New(syncWSHandler.Handle, wsConfig))

	// Hot-reload the sync policy when the overlay file changes
	if cfg.SyncPolicyFile != "" {
		go watchSyncPolicy(cfg.SyncPolicyFile, cfg.Sync, manager, remote)
	}

	// Background jobs: retention cleanup on a cron, sync retries on an interval
	runner, err := jobs.NewRunner()
	if err != nil {
		log.Fatalf("❌ Failed to create job runner: %v", err)
	}
	if err := runner.AddCron(cfg.CleanupCron, jobs.NewSessionCleanupJob(manager)); err != nil {
		log.Fatalf("❌ Failed to schedule session cleanup: %v", err)
	}
	if err := runner.AddInterval(cfg.SyncRetryInterval, jobs.NewSyncRetryJob(manager, prober)); err != nil {
		log.Fatalf("❌ Failed to schedule sync retries: %v", err)
	}
	runner.Start()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop background jobs
		if err := runner.Stop(); err != nil {
			log.Printf("⚠️ Error stopping job runner: %v", err)
		}

		// Stop the connectivity prober
		prober.Stop()

		// Close the event hub (websocket subscribers get a going-away frame)
		eventHub.Close()

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// watchSyncPolicy watches the policy overlay file and hot-swaps the manager's
// policy (and the remote client timeout) on change.
func watchSyncPolicy(filePath string, base config.SyncPolicy, manager *services.SessionManager, remote *remotestore.Client) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching
	// the file directly, and survives editor rename-on-save)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for sync policy changes (hot-reload enabled)", filePath)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our specific file
			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading sync policy...", filePath)

					policy, err := config.LoadSyncPolicy(filePath, base)
					if err != nil {
						log.Printf("❌ Failed to reload sync policy: %v (keeping current)", err)
						return
					}
					manager.SetPolicy(policy)
					remote.SetTimeout(policy.RemoteTimeout)
					log.Printf("✅ Sync policy reloaded from %s", filePath)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
