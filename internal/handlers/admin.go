package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/utils"
)

// listDevices returns all enrolled devices ordered by status (pending first)
func (r *Router) listDevices(w http.ResponseWriter, req *http.Request) {
	var devices []models.EnrolledDevice
	// Pending first, then by date
	if err := r.db.Order("CASE WHEN status = 'pending' THEN 1 WHEN status = 'active' THEN 2 ELSE 3 END, created_at DESC").Find(&devices).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// updateDeviceStatus changes the status of a device (e.g. pending -> active)
func (r *Router) updateDeviceStatus(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	// Validate status enum
	status := models.DeviceStatus(body.Status)
	if status != models.DeviceStatusActive && status != models.DeviceStatusBlocked && status != models.DeviceStatusPending {
		respondError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	var device models.EnrolledDevice
	if err := r.db.First(&device, "device_id = ?", id).Error; err != nil {
		respondError(w, http.StatusNotFound, "Device not found")
		return
	}

	device.Status = status
	if err := r.db.Save(&device).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}

	respondJSON(w, http.StatusOK, device)
}

// deleteDevice soft-deletes a device enrollment
func (r *Router) deleteDevice(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	var device models.EnrolledDevice
	if err := r.db.Where("device_id = ?", id).First(&device).Error; err != nil {
		respondError(w, http.StatusNotFound, "Device not found")
		return
	}

	// Soft delete (sets DeletedAt timestamp)
	if err := r.db.Delete(&device).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete device")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Device deleted successfully",
		"id":      id,
	})
}

// createDeviceInvite issues a short-lived token that auto-approves the next
// device registering with it
func (r *Router) createDeviceInvite(w http.ResponseWriter, req *http.Request) {
	token, err := utils.GenerateInviteToken(r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate invite")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"inviteToken": token,
		"expiresIn":   "24h",
	})
}

// listRecords returns the central copies for oversight. Tombstoned entries
// are hidden unless include_tombstones is set.
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

	query := r.db.Model(&models.CentralRecord{}).Order("updated_at DESC").Limit(limit)
	if req.URL.Query().Get("include_tombstones") != "true" {
		query = query.Where("tombstone = ?", false)
	}

	var records []models.CentralRecord
	if err := query.Find(&records).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch records")
		return
	}

	respondJSON(w, http.StatusOK, records)
}

// getRecord returns one central record with its full version vector
func (r *Router) getRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	var record models.CentralRecord
	if err := r.db.Where("entity_id = ?", id).First(&record).Error; err != nil {
		respondError(w, http.StatusNotFound, "Record not found")
		return
	}

	respondJSON(w, http.StatusOK, record)
}
