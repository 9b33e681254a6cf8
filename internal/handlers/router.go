package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medvault-app/medsyncgo/internal/buildinfo"
	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/middleware"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

// Router wraps the mux router and database for the central store
type Router struct {
	*mux.Router
	db  *database.DB
	cfg *config.Config
	hub *websocket.Hub
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *database.DB, cfg *config.Config, hub *websocket.Hub) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		db:     db,
		cfg:    cfg,
		hub:    hub,
	}

	// Health check endpoint (devices probe this to classify connectivity)
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", r.getStatus).Methods("GET")

	// Auth routes
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", r.login).Methods("POST")
	auth.HandleFunc("/refresh", r.refreshToken).Methods("POST")
	auth.HandleFunc("/logout", r.logout).Methods("POST")

	// Device enrollment routes (signature-authenticated, no token yet)
	setup := r.PathPrefix("/setup").Subrouter()
	setup.HandleFunc("/qr", r.generatePairingQR).Methods("GET")
	setup.HandleFunc("/register", r.registerDevice).Methods("POST")
	setup.HandleFunc("/token", r.collectDeviceToken).Methods("POST")

	// Sync exchange routes (device token required)
	syncHandler := NewSyncHandler(db, cfg, hub)
	syncHandler.RegisterRoutes(r.Router, middleware.DeviceAuthMiddleware(db, cfg))

	// Admin routes (protected)
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.AuthMiddleware(cfg))
	admin.HandleFunc("/devices", r.listDevices).Methods("GET")
	admin.HandleFunc("/devices/{id}/status", r.updateDeviceStatus).Methods("PUT")
	admin.HandleFunc("/devices/{id}", r.deleteDevice).Methods("DELETE")
	admin.HandleFunc("/invite", r.createDeviceInvite).Methods("POST")
	admin.HandleFunc("/records", r.listRecords).Methods("GET")
	admin.HandleFunc("/records/{id}", r.getRecord).Methods("GET")

	// Live updates for the admin UI
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWs(hub, w, req)
	})

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "central",
	})
}

// getStatus returns the current status
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	var deviceCount, recordCount int64
	r.db.Model(&models.EnrolledDevice{}).Count(&deviceCount)
	r.db.Model(&models.CentralRecord{}).Where("tombstone = ?", false).Count(&recordCount)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"commit":  buildinfo.CommitHash,
		"started": buildinfo.StartTime,
		"devices": deviceCount,
		"records": recordCount,
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
