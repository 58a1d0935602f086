/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral earnings engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, optional .env)
  2. Initialize SQLite store
  3. Wire the engine (graph, distributor, reporter) and notifiers
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

ENVIRONMENT:
  PORT, DB_PATH, JWT_SECRET, JWT_EXPIRY, CORS_ALLOWED_ORIGINS,
  MAX_DIRECT_REFERRALS, DIRECT_EARNING_PERCENTAGE,
  INDIRECT_EARNING_PERCENTAGE, MIN_PURCHASE_AMOUNT,
  TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration surface
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/refnet/referral-engine/api"
	"github.com/refnet/referral-engine/auth"
	"github.com/refnet/referral-engine/config"
	"github.com/refnet/referral-engine/engine"
	"github.com/refnet/referral-engine/notify"
	"github.com/refnet/referral-engine/notify/telegram"
	"github.com/refnet/referral-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatalf("Invalid earning configuration: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Notifications: stored per-account records, plus an optional Telegram
	// operator feed.
	center := notify.NewCenter()
	notifier := engine.MultiNotifier{center}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := telegram.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("Warning: Telegram notifier disabled: %v", err)
		} else {
			notifier = append(notifier, tg)
		}
	}

	// Wire the engine
	graph := engine.NewGraph(store, engineCfg, notifier, nil)
	distributor := engine.NewDistributor(store, engineCfg, notifier, nil)
	reporter := engine.NewReporter(store)
	authn := auth.New(cfg.JWTSecret, cfg.JWTExpiry)

	handler := api.NewHandler(store, engineCfg, graph, distributor, reporter, authn, center)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%s", cfg.Port)
		log.Printf("📊 API available at http://localhost:%s/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
