package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/store"
	"github.com/medvault-app/medsyncgo/internal/sync"
)

// forceSync triggers an immediate sync cycle
func (r *Router) forceSync(w http.ResponseWriter, req *http.Request) {
	if err := r.engine.ForceSync(); err != nil {
		if errors.Is(err, sync.ErrAuthentication) {
			respondError(w, http.StatusUnauthorized, "Sync is paused: device token was rejected, re-enroll or refresh the token")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message": "Sync requested"})
}

// getState reports engine state, pending counts and route health
func (r *Router) getState(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.engine.Status())
}

// listSessions returns recent sync session diagnostics, newest first
func (r *Router) listSessions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	sessions, err := r.engine.ListSessions(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch sessions")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// listFailedMutations returns mutations whose retry budget ran out
func (r *Router) listFailedMutations(w http.ResponseWriter, req *http.Request) {
	failed, err := r.engine.ListFailedMutations()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch mutations")
		return
	}
	respondJSON(w, http.StatusOK, failed)
}

// ReauthRequest carries a replacement device token
type ReauthRequest struct {
	Token string `json:"token"`
}

// reauthenticate installs a fresh device token and resumes a paused engine
func (r *Router) reauthenticate(w http.ResponseWriter, req *http.Request) {
	var body ReauthRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Token == "" {
		respondError(w, http.StatusBadRequest, "Token is required")
		return
	}

	r.engine.Reauthenticate(body.Token)
	if err := r.saveToken(body.Token); err != nil {
		// Engine already holds the token; only persistence failed
		respondJSON(w, http.StatusOK, map[string]string{
			"message": "Token installed but not persisted: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Token updated"})
}

// listConflicts returns conflicts, ?unresolved=true filters to open ones
func (r *Router) listConflicts(w http.ResponseWriter, req *http.Request) {
	unresolvedOnly := req.URL.Query().Get("unresolved") == "true"

	conflicts, err := r.engine.ListConflicts(unresolvedOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch conflicts")
		return
	}
	respondJSON(w, http.StatusOK, conflicts)
}

// getConflict returns one conflict with both snapshots and the field diffs
func (r *Router) getConflict(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	conflict, err := r.store.GetConflict(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Conflict not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch conflict")
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

// ResolveRequest is the user's decision on a conflict. MergedFields is
// required for the merged choice and must cover every differing field.
type ResolveRequest struct {
	Choice       string        `json:"choice"`
	MergedFields sync.FieldMap `json:"merged_fields,omitempty"`
}

// resolveConflict applies keep_local, keep_remote, merged or deferred
func (r *Router) resolveConflict(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	var body ResolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	err := r.engine.ResolveConflict(id, models.ResolutionChoice(body.Choice), body.MergedFields)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrConflictUnknown):
			respondError(w, http.StatusNotFound, "Conflict not found")
		case errors.Is(err, sync.ErrConflictResolved):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, sync.ErrIncompleteMerge):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Resolution applied",
		"choice":  body.Choice,
	})
}
