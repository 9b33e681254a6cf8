package utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// NodeIdentity holds the persistent identity of this node. On a device it is
// the sync origin: every version-vector increment the device makes is keyed
// by InstanceID. On the central store it backs the pairing QR payload.
type NodeIdentity struct {
	InstanceID string `json:"instance_id"`
	PrivateKey string `json:"private_key"` // Base64
	PublicKey  string `json:"public_key"`  // Base64
}

var currentIdentity *NodeIdentity

// GetIdentity returns the loaded identity
func GetIdentity() *NodeIdentity {
	if currentIdentity == nil {
		// Fallback for safety, though LoadOrGenerate should be called in main
		_ = LoadOrGenerateIdentity(".medsync", "device_identity.json")
	}
	return currentIdentity
}

// LoadOrGenerateIdentity ensures this node has a stable identity across
// restarts. It checks ENV vars first, then a local file, and generates new
// keys if neither exist.
func LoadOrGenerateIdentity(dataDir, filename string) error {
	// 1. Check Env Vars (Priority)
	envID := os.Getenv("INSTANCE_ID")
	envPub := os.Getenv("NODE_PUBLIC_KEY")
	envPriv := os.Getenv("NODE_PRIVATE_KEY")

	if envID != "" && envPub != "" && envPriv != "" {
		currentIdentity = &NodeIdentity{
			InstanceID: envID,
			PublicKey:  envPub,
			PrivateKey: envPriv,
		}
		return nil
	}

	// 2. Check local persistence file
	identityFile := filepath.Join(dataDir, filename)

	if _, err := os.Stat(identityFile); err == nil {
		data, err := os.ReadFile(identityFile)
		if err == nil {
			var identity NodeIdentity
			if err := json.Unmarshal(data, &identity); err == nil {
				currentIdentity = &identity
				return nil
			}
		}
	}

	// 3. Generate New Identity
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keys: %w", err)
	}

	currentIdentity = &NodeIdentity{
		InstanceID: generatePseudoUUID(),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}

	// Save to file for persistence
	_ = os.MkdirAll(dataDir, 0755)
	data, _ := json.MarshalIndent(currentIdentity, "", "  ")
	_ = os.WriteFile(identityFile, data, 0600)

	return nil
}

func generatePseudoUUID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant is 10
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// GetPublicKeyHex returns the public key as a Hex string (for QR payloads)
func (n *NodeIdentity) GetPublicKeyHex() (string, error) {
	bytes, err := base64.StdEncoding.DecodeString(n.PublicKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Sign signs a message with this node's key, returning the signature Base64 encoded
func (n *NodeIdentity) Sign(message string) (string, error) {
	privBytes, err := base64.StdEncoding.DecodeString(n.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %v", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key size")
	}

	sig := ed25519.Sign(ed25519.PrivateKey(privBytes), []byte(message))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks an Ed25519 signature
func VerifySignature(publicKeyBase64, message, signatureBase64 string) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %v", err)
	}

	return ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(message), sigBytes), nil
}
