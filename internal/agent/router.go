package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/store"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

// Router wraps the mux router for the device daemon's local API. The daemon
// binds to loopback; record edits made by the local UI enter the sync engine
// here.
type Router struct {
	*mux.Router
	store  *store.Store
	engine *sync.Engine
	cfg    *config.Config
	hub    *websocket.Hub
}

// NewRouter creates the daemon's HTTP router with all routes
func NewRouter(st *store.Store, engine *sync.Engine, cfg *config.Config, hub *websocket.Hub) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		store:  st,
		engine: engine,
		cfg:    cfg,
		hub:    hub,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Record routes
	api.HandleFunc("/records", r.listRecords).Methods("GET")
	api.HandleFunc("/records/{id}", r.getRecord).Methods("GET")
	api.HandleFunc("/records/{id}", r.deleteRecord).Methods("DELETE")
	api.HandleFunc("/changes", r.submitChange).Methods("POST")

	// Sync control routes
	api.HandleFunc("/sync", r.forceSync).Methods("POST")
	api.HandleFunc("/state", r.getState).Methods("GET")
	api.HandleFunc("/sessions", r.listSessions).Methods("GET")
	api.HandleFunc("/failed", r.listFailedMutations).Methods("GET")
	api.HandleFunc("/reauth", r.reauthenticate).Methods("POST")

	// Conflict routes
	api.HandleFunc("/conflicts", r.listConflicts).Methods("GET")
	api.HandleFunc("/conflicts/{id}", r.getConflict).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", r.resolveConflict).Methods("POST")

	// Enrollment routes
	api.HandleFunc("/enroll", r.enroll).Methods("POST")
	api.HandleFunc("/enroll/poll", r.pollEnrollment).Methods("POST")

	// Live updates for the local UI
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWs(hub, w, req)
	})

	return r
}

// healthCheck returns the health status of the daemon
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "device",
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
