package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/utils"
)

const pairingFile = "pairing.json"

// ErrNotPaired indicates no pairing file exists yet
var ErrNotPaired = errors.New("device is not paired")

// Pairing is the device's record of its enrollment with a central server.
// It is written after a successful registration and reread on startup to
// derive the sync route and token. On disk the token is sealed to the device
// identity key; Token only exists in memory.
type Pairing struct {
	ServerURL       string    `json:"server_url"`
	ServerInstance  string    `json:"server_instance"`
	ServerPublicKey string    `json:"server_public_key"` // Hex
	SealedToken     string    `json:"sealed_token,omitempty"`
	PairedAt        time.Time `json:"paired_at"`

	Token string `json:"-"`
}

// Route derives the sync route for this pairing
func (p *Pairing) Route() sync.SyncRoute {
	return sync.SyncRoute{
		Name:     "central",
		URL:      p.ServerURL,
		Link:     sync.LinkUnmetered,
		Timeout:  30,
		Priority: 1,
	}
}

// LoadPairing reads the pairing file from the data directory and unseals the
// sync token. A sealed token that does not open under the current identity is
// dropped rather than failing the load; the device re-collects a token
// through the approval poll.
func LoadPairing(dataDir string) (*Pairing, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pairingFile))
	if os.IsNotExist(err) {
		return nil, ErrNotPaired
	}
	if err != nil {
		return nil, err
	}
	var p Pairing
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt pairing file: %w", err)
	}

	if p.SealedToken != "" {
		token, err := utils.OpenToken(utils.GetIdentity(), p.SealedToken)
		if errors.Is(err, utils.ErrSealMismatch) {
			log.Printf("⚠️ Stored sync token does not open under this identity, re-authorization required")
		} else if err != nil {
			return nil, err
		} else {
			p.Token = token
		}
	}
	return &p, nil
}

// SavePairing writes the pairing file with owner-only permissions. The token
// goes to disk sealed to the device identity key.
func SavePairing(dataDir string, p *Pairing) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	p.SealedToken = ""
	if p.Token != "" {
		sealed, err := utils.SealToken(utils.GetIdentity(), p.Token)
		if err != nil {
			return fmt.Errorf("failed to seal sync token: %w", err)
		}
		p.SealedToken = sealed
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, pairingFile), data, 0600)
}

// saveToken persists a replacement token into the existing pairing file
func (r *Router) saveToken(token string) error {
	p, err := LoadPairing(r.cfg.Agent.DataDir)
	if err != nil {
		return err
	}
	p.Token = token
	return SavePairing(r.cfg.Agent.DataDir, p)
}

// EnrollRequest carries the scanned pairing payload to the daemon
type EnrollRequest struct {
	Payload     string `json:"payload"`
	DeviceName  string `json:"device_name,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
}

// enrollResponse mirrors the central server's setup endpoint replies
type enrollResponse struct {
	Status  string `json:"status"`
	Token   string `json:"token"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

var enrollClient = &http.Client{Timeout: 15 * time.Second}

// enroll registers this device with the central server named in the pairing
// payload. With a valid invite token the server authorizes immediately and
// sync starts; otherwise the device stays pending until an admin approves
// it and polling collects the token.
func (r *Router) enroll(w http.ResponseWriter, req *http.Request) {
	var body EnrollRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Payload == "" {
		respondError(w, http.StatusBadRequest, "Pairing payload is required")
		return
	}

	pairing, err := utils.DecodePairingPayload(body.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity := utils.GetIdentity()
	name := body.DeviceName
	if name == "" {
		name = r.cfg.Agent.DeviceName
	}

	signature, err := identity.Sign(utils.RegistrationMessage(identity.InstanceID, identity.PublicKey))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to sign registration")
		return
	}

	status, reply, err := postEnroll(pairing.ServerURL+"/setup/register", map[string]string{
		"deviceId":        identity.InstanceID,
		"deviceName":      name,
		"devicePublicKey": identity.PublicKey,
		"signature":       signature,
		"inviteToken":     body.InviteToken,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "Server unreachable: "+err.Error())
		return
	}
	if status >= http.StatusBadRequest {
		respondError(w, status, serverMessage(reply))
		return
	}

	p := &Pairing{
		ServerURL:       pairing.ServerURL,
		ServerInstance:  pairing.InstanceID,
		ServerPublicKey: pairing.PublicKeyHex,
		Token:           reply.Token,
		PairedAt:        time.Now().UTC(),
	}
	if err := SavePairing(r.cfg.Agent.DataDir, p); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to persist pairing: "+err.Error())
		return
	}

	if reply.Token != "" {
		r.engine.Reauthenticate(reply.Token)
		r.engine.AddRoute(p.Route())
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  reply.Status,
			"message": "Enrolled and authorized, sync starting",
		})
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  reply.Status,
		"message": "Enrolled, waiting for approval",
	})
}

// pollEnrollment asks the central server whether a pending device has been
// approved. The request is signed with the device key, on approval the sync
// token comes back and syncing starts.
func (r *Router) pollEnrollment(w http.ResponseWriter, req *http.Request) {
	p, err := LoadPairing(r.cfg.Agent.DataDir)
	if errors.Is(err, ErrNotPaired) {
		respondError(w, http.StatusConflict, "Device is not paired, enroll first")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.Token != "" {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "active",
			"message": "Device already authorized",
		})
		return
	}

	identity := utils.GetIdentity()
	issuedAt := time.Now().Unix()
	signature, err := identity.Sign(utils.TokenRequestMessage(identity.InstanceID, issuedAt))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to sign token request")
		return
	}

	status, reply, err := postEnroll(p.ServerURL+"/setup/token", map[string]interface{}{
		"deviceId":  identity.InstanceID,
		"timestamp": issuedAt,
		"signature": signature,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "Server unreachable: "+err.Error())
		return
	}
	if status >= http.StatusBadRequest {
		respondError(w, status, serverMessage(reply))
		return
	}

	if reply.Token == "" {
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":  reply.Status,
			"message": "Still waiting for approval",
		})
		return
	}

	p.Token = reply.Token
	if err := SavePairing(r.cfg.Agent.DataDir, p); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to persist token: "+err.Error())
		return
	}
	r.engine.Reauthenticate(reply.Token)
	r.engine.AddRoute(p.Route())

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "active",
		"message": "Device authorized, sync starting",
	})
}

// postEnroll posts a JSON body to a setup endpoint and decodes the reply
func postEnroll(url string, payload interface{}) (int, *enrollResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	resp, err := enrollClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var reply enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("unexpected reply: %w", err)
	}
	return resp.StatusCode, &reply, nil
}

func serverMessage(reply *enrollResponse) string {
	if reply.Error != "" {
		return reply.Error
	}
	if reply.Message != "" {
		return reply.Message
	}
	return "Enrollment rejected"
}
