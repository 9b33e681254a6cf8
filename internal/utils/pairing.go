package utils

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Pairing payload embedded in the enrollment QR code.
// Format: MVS $ version $ instance $ server pubkey hex $ server url
// The '$' separator never appears in instance IDs, hex keys or
// scheme://host:port URLs, so plain splitting is safe.
const (
	PairingPrefix  = "MVS"
	PairingVersion = 1
)

// PairingData is the decoded content of an enrollment QR code
type PairingData struct {
	InstanceID   string
	PublicKeyHex string
	ServerURL    string
}

// GeneratePairingPayload builds the string rendered into the enrollment QR
func GeneratePairingPayload(data PairingData) (string, error) {
	if data.InstanceID == "" || data.ServerURL == "" {
		return "", errors.New("incomplete pairing data")
	}
	raw, err := hex.DecodeString(data.PublicKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return "", errors.New("invalid public key hex")
	}

	return fmt.Sprintf("%s$%d$%s$%s$%s",
		PairingPrefix,
		PairingVersion,
		data.InstanceID,
		strings.ToLower(data.PublicKeyHex),
		data.ServerURL,
	), nil
}

// DecodePairingPayload parses a scanned QR payload
func DecodePairingPayload(code string) (*PairingData, error) {
	parts := strings.SplitN(code, "$", 5)
	if len(parts) != 5 || parts[0] != PairingPrefix {
		return nil, errors.New("invalid pairing payload")
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil || version != PairingVersion {
		return nil, fmt.Errorf("unsupported pairing version %q", parts[1])
	}

	pubHex := strings.ToLower(parts[3])
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key in pairing payload")
	}

	if parts[2] == "" || parts[4] == "" {
		return nil, errors.New("incomplete pairing payload")
	}

	return &PairingData{
		InstanceID:   parts[2],
		PublicKeyHex: pubHex,
		ServerURL:    strings.TrimSuffix(parts[4], "/"),
	}, nil
}

// RegistrationMessage is the canonical string a device signs when it enrolls.
// Device and server must build it identically.
func RegistrationMessage(deviceID, publicKeyBase64 string) string {
	return deviceID + "|" + publicKeyBase64
}

// TokenRequestMessage is the canonical string a device signs when collecting
// its sync token. The embedded timestamp bounds replay.
func TokenRequestMessage(deviceID string, issuedAt int64) string {
	return fmt.Sprintf("%s|%d", deviceID, issuedAt)
}
