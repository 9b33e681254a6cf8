package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medvault-app/medsyncgo/internal/store"
	"github.com/medvault-app/medsyncgo/internal/sync"
)

// ChangeRequest is a field patch submitted by the local UI. A JSON null
// value deletes that field.
type ChangeRequest struct {
	EntityID string        `json:"entity_id"`
	Fields   sync.FieldMap `json:"fields"`
}

// submitChange queues a local edit for sync. Responds 423 when the touched
// fields are frozen by an unresolved conflict.
func (r *Router) submitChange(w http.ResponseWriter, req *http.Request) {
	var body ChangeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	mut, err := r.engine.SubmitLocalChange(body.EntityID, body.Fields)
	if err != nil {
		var locked *sync.LockedError
		switch {
		case errors.As(err, &locked):
			respondJSON(w, http.StatusLocked, map[string]interface{}{
				"error":     "Fields are locked by an unresolved conflict",
				"entity_id": locked.EntityID,
				"fields":    locked.Fields,
			})
		case errors.Is(err, sync.ErrInvalidPatch):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, mut)
}

// listRecords returns local records, most recently updated first
func (r *Router) listRecords(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1000 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	includeTombstones := req.URL.Query().Get("include_tombstones") == "true"

	records, err := r.store.List(includeTombstones, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch records")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// getRecord returns one local record with its version vector
func (r *Router) getRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	rec, err := r.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// deleteRecord queues a tombstone for sync
func (r *Router) deleteRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	mut, err := r.engine.SubmitDelete(id)
	if err != nil {
		var locked *sync.LockedError
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Record not found")
		case errors.As(err, &locked):
			respondJSON(w, http.StatusLocked, map[string]interface{}{
				"error":     "Entity is locked by an unresolved conflict",
				"entity_id": locked.EntityID,
				"fields":    locked.Fields,
			})
		default:
			respondError(w, http.StatusConflict, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, mut)
}
