package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/middleware"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/websocket"
	"gorm.io/gorm"
)

// pullPageSize caps how many records one pull response carries
const pullPageSize = 500

// SyncHandler serves the push/pull exchange for enrolled devices
type SyncHandler struct {
	db  *database.DB
	cfg *config.Config
	hub *websocket.Hub

	// mu serializes mutation application across requests
	mu gosync.Mutex
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(db *database.DB, cfg *config.Config, hub *websocket.Hub) *SyncHandler {
	return &SyncHandler{
		db:  db,
		cfg: cfg,
		hub: hub,
	}
}

// RegisterRoutes registers sync routes behind the device auth middleware
func (sh *SyncHandler) RegisterRoutes(r *mux.Router, deviceAuth mux.MiddlewareFunc) {
	s := r.PathPrefix("/sync").Subrouter()
	s.Use(deviceAuth)
	s.HandleFunc("/push", sh.PushMutations).Methods("POST")
	s.HandleFunc("/pull", sh.PullRecords).Methods("GET")
}

// PushMutations accepts a batch of device mutations. Each mutation is judged
// on its own: accepted when its base vector covers the server's copy,
// rejected with the current server snapshot otherwise. Replays of already
// applied mutations are acknowledged without reapplying.
func (sh *SyncHandler) PushMutations(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.GetDeviceFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device context missing")
		return
	}

	body, err := requestBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	var pushReq sync.PushRequest
	if err := json.Unmarshal(body, &pushReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	resp, err := sh.applyBatch(device, pushReq.Mutations)
	if err != nil {
		log.Printf("⚠️ Push apply failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to apply mutations")
		return
	}

	sh.db.Model(device).Update("last_seen_at", time.Now())

	if len(resp.Accepted) > 0 {
		sh.hub.Broadcast(map[string]interface{}{
			"type":    "RECORDS_CHANGED",
			"origin":  device.DeviceID,
			"applied": len(resp.Accepted),
		})
	}

	log.Printf("📦 Push from %s: %d accepted, %d rejected", device.DeviceID, len(resp.Accepted), len(resp.Rejected))
	writeJSON(w, r, resp)
}

// applyBatch applies one batch at a time. The dominance check judges a base
// vector against the row it just read; two interleaved appliers for the same
// entity could both pass, and the later write would bury the earlier accepted
// one. Serial application also keeps server_seq assignment unique.
func (sh *SyncHandler) applyBatch(device *models.EnrolledDevice, muts []sync.WireMutation) (sync.PushResponse, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	resp := sync.PushResponse{
		Accepted: make([]string, 0, len(muts)),
		Rejected: make([]sync.RejectedMutation, 0),
	}
	for _, m := range muts {
		accepted, current, err := sh.applyMutation(device, m)
		if err != nil {
			return resp, fmt.Errorf("mutation %s: %w", m.MutationID, err)
		}
		if accepted {
			resp.Accepted = append(resp.Accepted, m.MutationID)
		} else if current != nil {
			resp.Rejected = append(resp.Rejected, sync.RejectedMutation{
				MutationID: m.MutationID,
				Current:    *current,
			})
		}
	}
	return resp, nil
}

// applyMutation applies one mutation inside its own transaction. Returns
// accepted=false with a nil snapshot for mutations too malformed to judge;
// the device gives up on those after its retry budget.
func (sh *SyncHandler) applyMutation(device *models.EnrolledDevice, m sync.WireMutation) (bool, *sync.RecordSnapshot, error) {
	if m.MutationID == "" || m.EntityID == "" {
		return false, nil, nil
	}

	// The authenticated device is the authoritative origin, whatever the
	// wire says
	origin := device.DeviceID

	var accepted bool
	var current *sync.RecordSnapshot

	err := sh.db.Transaction(func(tx *gorm.DB) error {
		// Idempotent replay: already applied means acknowledged
		var prior models.AppliedMutation
		if err := tx.Where("mutation_id = ?", m.MutationID).First(&prior).Error; err == nil {
			accepted = true
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()

		var rec models.CentralRecord
		findErr := tx.Where("entity_id = ?", m.EntityID).First(&rec).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		if findErr == nil {
			serverVV, err := sync.ParseVersionVector(rec.VersionVector)
			if err != nil {
				return fmt.Errorf("corrupt version vector on %s: %w", rec.EntityID, err)
			}

			// Accept only when the device based its change on everything
			// the server knows
			rel := serverVV.Compare(m.VersionVector)
			if rel != sync.VectorEqual && rel != sync.VectorBefore {
				snap, err := centralSnapshot(&rec)
				if err != nil {
					return err
				}
				current = &snap
				return nil
			}

			fields, err := sync.DecodeFields(rec.Fields)
			if err != nil {
				return fmt.Errorf("corrupt fields on %s: %w", rec.EntityID, err)
			}
			applyPatch(fields, m.Fields)

			encoded, err := sync.EncodeFields(fields)
			if err != nil {
				return err
			}

			seq, err := nextServerSeq(tx)
			if err != nil {
				return err
			}

			vv := m.VersionVector.Copy()
			vv.Increment(origin)

			rec.Fields = encoded
			rec.VersionVector = vv.JSON()
			rec.LastWriter = origin
			rec.UpdatedAt = now
			rec.ServerSeq = seq
			if m.Op == string(models.OpDelete) {
				rec.Tombstone = true
				rec.TombstonedAt = &now
			} else {
				rec.Tombstone = false
				rec.TombstonedAt = nil
			}

			if err := tx.Save(&rec).Error; err != nil {
				return err
			}
		} else {
			// First sighting of this entity, nothing to conflict with
			fields := make(sync.FieldMap)
			applyPatch(fields, m.Fields)

			encoded, err := sync.EncodeFields(fields)
			if err != nil {
				return err
			}

			seq, err := nextServerSeq(tx)
			if err != nil {
				return err
			}

			vv := m.VersionVector.Copy()
			vv.Increment(origin)

			rec = models.CentralRecord{
				EntityID:      m.EntityID,
				Fields:        encoded,
				VersionVector: vv.JSON(),
				LastWriter:    origin,
				UpdatedAt:     now,
				Tombstone:     m.Op == string(models.OpDelete),
				ServerSeq:     seq,
			}
			if rec.Tombstone {
				rec.TombstonedAt = &now
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		accepted = true
		return tx.Create(&models.AppliedMutation{
			MutationID: m.MutationID,
			EntityID:   m.EntityID,
			Origin:     origin,
			AppliedAt:  now,
		}).Error
	})

	return accepted, current, err
}

// PullRecords pages the server's change feed. The checkpoint is the last
// server sequence the device has seen; an unchanged checkpoint in the
// response tells the device it is caught up.
func (sh *SyncHandler) PullRecords(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.GetDeviceFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device context missing")
		return
	}

	since := r.URL.Query().Get("since")
	sinceSeq := int64(0)
	if since != "" {
		parsed, err := strconv.ParseInt(since, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid checkpoint")
			return
		}
		sinceSeq = parsed
	}

	var recs []models.CentralRecord
	if err := sh.db.Where("server_seq > ?", sinceSeq).
		Order("server_seq ASC").
		Limit(pullPageSize).
		Find(&recs).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read records")
		return
	}

	resp := sync.PullResponse{
		Records:        make([]sync.RecordSnapshot, 0, len(recs)),
		NextCheckpoint: since,
	}
	for i := range recs {
		snap, err := centralSnapshot(&recs[i])
		if err != nil {
			log.Printf("⚠️ Skipping corrupt record %s: %v", recs[i].EntityID, err)
			continue
		}
		resp.Records = append(resp.Records, snap)
	}
	if len(recs) > 0 {
		resp.NextCheckpoint = strconv.FormatInt(recs[len(recs)-1].ServerSeq, 10)
	}

	sh.db.Model(device).Update("last_seen_at", time.Now())

	log.Printf("📥 Pull from %s: %d records since %q", device.DeviceID, len(resp.Records), since)
	writeJSON(w, r, resp)
}

// applyPatch folds a field patch into fields. A JSON null value deletes the field.
func applyPatch(fields, patch sync.FieldMap) {
	for k, v := range patch {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
}

// centralSnapshot converts a stored record into its wire shape
func centralSnapshot(rec *models.CentralRecord) (sync.RecordSnapshot, error) {
	fields, err := sync.DecodeFields(rec.Fields)
	if err != nil {
		return sync.RecordSnapshot{}, err
	}
	vv, err := sync.ParseVersionVector(rec.VersionVector)
	if err != nil {
		return sync.RecordSnapshot{}, err
	}

	return sync.RecordSnapshot{
		EntityID:      rec.EntityID,
		Fields:        fields,
		VersionVector: vv,
		LastWriter:    rec.LastWriter,
		UpdatedAt:     rec.UpdatedAt,
		Tombstone:     rec.Tombstone,
	}, nil
}

// nextServerSeq hands out the next change feed position. Callers run under
// the batch lock, which keeps the sequence dense and collision-free.
func nextServerSeq(tx *gorm.DB) (int64, error) {
	var seq int64
	err := tx.Model(&models.CentralRecord{}).
		Select("COALESCE(MAX(server_seq), 0) + 1").
		Scan(&seq).Error
	return seq, err
}

// requestBody reads the request body, inflating gzip content
func requestBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

// writeJSON responds with JSON, gzip-compressed when the client accepts it
func writeJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		respondJSON(w, http.StatusOK, data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	json.NewEncoder(gz).Encode(data)
	gz.Close()
}
