package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medvault-app/medsyncgo/internal/agent"
	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/store"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/utils"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg := config.LoadAgent()

	// 2. Initialize the device identity used for enrollment and signing
	if err := utils.LoadOrGenerateIdentity(cfg.Agent.DataDir, "device_identity.json"); err != nil {
		log.Fatalf("Failed to initialize device identity: %v", err)
	}
	identity := utils.GetIdentity()
	log.Printf("🆔 Device %s", identity.InstanceID)

	// 3. Open the local store
	db, err := database.ConnectDevice(cfg.Agent.DataDir)
	if err != nil {
		log.Fatalf("Failed to open device database: %v", err)
	}

	log.Println("🚀 Synchronizing database schema...")
	if err := db.AutoMigrate(models.DeviceModels()...); err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	st := store.New(db.DB)

	// 4. Initialize the sync engine
	syncCfg := config.LoadSyncConfig()
	engine := sync.NewEngine(st, syncCfg, identity.InstanceID)

	pairing, err := agent.LoadPairing(cfg.Agent.DataDir)
	switch {
	case err == nil:
		if pairing.Token != "" {
			engine.SetToken(pairing.Token)
		}
		if len(syncCfg.Routes) == 0 {
			engine.AddRoute(pairing.Route())
		}
		log.Printf("🔗 Paired with %s (%s)", pairing.ServerInstance, pairing.ServerURL)
	case errors.Is(err, agent.ErrNotPaired):
		log.Println("⚠️ Not paired yet; enroll via POST /api/enroll")
	default:
		log.Printf("⚠️ Failed to read pairing: %v", err)
	}

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start sync engine: %v", err)
	}

	// 5. Set up the local API and the UI event bridge
	hub := websocket.NewHub()
	go hub.Run()

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	go agent.RunBridge(bridgeCtx, engine, st, hub)

	router := agent.NewRouter(st, engine, cfg, hub)

	server := &http.Server{
		Addr:    "127.0.0.1:" + cfg.Agent.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Device daemon listening on 127.0.0.1:%s\n", cfg.Agent.Port)
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

	stopBridge()
	engine.Stop()
	st.Close()

	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
