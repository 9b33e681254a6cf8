package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/utils"
	"github.com/skip2/go-qrcode"
)

// maxTokenRequestSkew bounds how old a signed token request may be
const maxTokenRequestSkew = 5 * time.Minute

// generatePairingQR renders the enrollment payload as a QR code.
// A device scans it to learn the instance ID, the server's public key and
// the URL to register against.
func (r *Router) generatePairingQR(w http.ResponseWriter, req *http.Request) {
	identity := utils.GetIdentity()

	pubHex, err := identity.GetPublicKeyHex()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Invalid server public key")
		return
	}

	payload, err := utils.GeneratePairingPayload(utils.PairingData{
		InstanceID:   identity.InstanceID,
		PublicKeyHex: pubHex,
		ServerURL:    utils.AdvertisedURL(r.cfg.Port),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Server not configured for pairing")
		return
	}

	// format=text serves CLI enrollment where no camera is involved
	if req.URL.Query().Get("format") == "text" {
		respondJSON(w, http.StatusOK, map[string]string{"payload": payload})
		return
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate QR")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// DeviceRegisterRequest represents a device registration request
type DeviceRegisterRequest struct {
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName"`
	DevicePublicKey string `json:"devicePublicKey"` // Base64
	Signature       string `json:"signature"`       // Base64
	InviteToken     string `json:"inviteToken,omitempty"`
}

// registerDevice handles the cryptographic pairing handshake. The signature
// proves the device holds the private half of the submitted key. Devices land
// in pending status unless the request carries a valid invite token.
func (r *Router) registerDevice(w http.ResponseWriter, req *http.Request) {
	var body DeviceRegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if body.DeviceID == "" || body.DevicePublicKey == "" || body.Signature == "" {
		respondError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	// 1. Verify Signature
	message := utils.RegistrationMessage(body.DeviceID, body.DevicePublicKey)
	ok, err := utils.VerifySignature(body.DevicePublicKey, message, body.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	// 2. Check for auto-approval
	status := models.DeviceStatusPending
	if body.InviteToken != "" {
		claims, err := utils.ValidateToken(body.InviteToken, r.cfg.JWTSecret)
		if err != nil || claims["type"] != "invite" {
			respondError(w, http.StatusForbidden, "Invalid invite token")
			return
		}
		status = models.DeviceStatusActive
	}

	// 3. Register or Update Device
	var device models.EnrolledDevice
	result := r.db.Where("device_id = ?", body.DeviceID).First(&device)

	if result.Error == nil {
		// A different key cannot take over an existing enrollment
		if device.PublicKey != body.DevicePublicKey {
			respondError(w, http.StatusConflict, "Device already enrolled with a different key")
			return
		}
		if body.DeviceName != "" {
			device.Name = body.DeviceName
		}
		if device.Status == models.DeviceStatusPending && status == models.DeviceStatusActive {
			device.Status = models.DeviceStatusActive
		}
		device.LastSeenAt = time.Now()
		r.db.Save(&device)
	} else {
		device = models.EnrolledDevice{
			DeviceID:   body.DeviceID,
			Name:       body.DeviceName,
			PublicKey:  body.DevicePublicKey,
			Status:     status,
			LastSeenAt: time.Now(),
		}
		if err := r.db.Create(&device).Error; err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to register device")
			return
		}
	}

	// 4. Issue the sync token right away for approved devices
	if device.Status == models.DeviceStatusActive {
		token, err := utils.GenerateDeviceToken(&device, r.cfg)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate device token")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":  string(models.DeviceStatusActive),
			"token":   token,
			"message": "Device registered and authorized",
		})
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  string(device.Status),
		"message": "Device registered, waiting for approval",
	})
}

// DeviceTokenRequest represents a signed request to collect the sync token
type DeviceTokenRequest struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"` // Unix seconds
	Signature string `json:"signature"` // Base64
}

// collectDeviceToken lets a pending device poll for approval. Once an admin
// activates it, the signed request is answered with the sync token.
func (r *Router) collectDeviceToken(w http.ResponseWriter, req *http.Request) {
	var body DeviceTokenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if body.DeviceID == "" || body.Signature == "" {
		respondError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	skew := time.Since(time.Unix(body.Timestamp, 0))
	if skew > maxTokenRequestSkew || skew < -maxTokenRequestSkew {
		respondError(w, http.StatusBadRequest, "Request timestamp out of range")
		return
	}

	var device models.EnrolledDevice
	if err := r.db.Where("device_id = ?", body.DeviceID).First(&device).Error; err != nil {
		respondError(w, http.StatusNotFound, "Device not enrolled")
		return
	}

	message := utils.TokenRequestMessage(body.DeviceID, body.Timestamp)
	ok, err := utils.VerifySignature(device.PublicKey, message, body.Signature)
	if err != nil || !ok {
		respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	switch device.Status {
	case models.DeviceStatusBlocked:
		respondError(w, http.StatusForbidden, "Device is blocked")
		return
	case models.DeviceStatusPending:
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":  string(models.DeviceStatusPending),
			"message": "Waiting for approval",
		})
		return
	}

	token, err := utils.GenerateDeviceToken(&device, r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate device token")
		return
	}

	device.LastSeenAt = time.Now()
	r.db.Save(&device)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": string(models.DeviceStatusActive),
		"token":  token,
	})
}
