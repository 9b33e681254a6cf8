package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/handlers"
	"github.com/medvault-app/medsyncgo/internal/middleware"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/utils"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

// Expired tombstones are purged after this many days. Devices that stay
// offline longer than the retention window resync from scratch.
const tombstoneRetentionDays = 30

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize the signing identity used for device pairing
	if err := utils.LoadOrGenerateIdentity(".medsync", "server_identity.json"); err != nil {
		log.Fatalf("Failed to initialize server identity: %v", err)
	}
	identity := utils.GetIdentity()
	log.Printf("🆔 Instance %s", identity.InstanceID)

	// 3. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 4. Auto-Migrate Schema (Critical for Zero-Config)
	log.Println("🚀 Synchronizing database schema...")
	if err := db.AutoMigrate(models.CentralModels()...); err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	bootstrapAdmin(db)

	// 5. Start background tombstone retention
	purgeStop := make(chan struct{})
	go tombstonePurgeLoop(db, purgeStop)

	// 6. Set up HTTP router
	hub := websocket.NewHub()
	go hub.Run()

	router := handlers.NewRouter(db, cfg, hub)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		// Lowercased paths keep pairing QR codes scannable in the more
		// compact alphanumeric encoding
		Handler: middleware.CaseInsensitiveMiddleware(router),
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Central server starting on port %s\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	// Create context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	close(purgeStop)

	// Close database (this also stops embedded PostgreSQL)
	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}

// bootstrapAdmin creates the first admin account from the environment so a
// fresh install is reachable without manual database edits.
func bootstrapAdmin(db *database.DB) {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}

	var count int64
	db.Model(&models.UserAuth{}).Count(&count)
	if count > 0 {
		return
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		log.Printf("⚠️ Failed to hash admin password: %v", err)
		return
	}

	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}

	admin := models.UserAuth{
		Username: username,
		Email:    email,
		Password: hash,
		Role:     "admin",
		IsActive: true,
	}
	if err := db.Create(&admin).Error; err != nil {
		log.Printf("⚠️ Failed to create admin account: %v", err)
		return
	}
	log.Printf("✅ Admin account created for %s", email)
}

// tombstonePurgeLoop removes tombstones past the retention window once a day
func tombstonePurgeLoop(db *database.DB, stop <-chan struct{}) {
	purge := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -tombstoneRetentionDays)
		res := db.Where("tombstone = ? AND tombstoned_at < ?", true, cutoff).
			Delete(&models.CentralRecord{})
		if res.Error != nil {
			log.Printf("⚠️ Tombstone purge failed: %v", res.Error)
		} else if res.RowsAffected > 0 {
			log.Printf("🧹 Purged %d expired tombstones", res.RowsAffected)
		}
	}

	purge()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purge()
		case <-stop:
			return
		}
	}
}
