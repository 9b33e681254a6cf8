package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrSealMismatch indicates a sealed credential that does not open with this
// device's identity key.
var ErrSealMismatch = errors.New("sealed credential does not match this device identity")

// sealingKey derives the at-rest key from the node's private key. Rotating
// the identity invalidates everything sealed under it: a pairing file copied
// off the device is useless without the matching identity file.
func sealingKey(identity *NodeIdentity) ([]byte, error) {
	priv, err := base64.StdEncoding.DecodeString(identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	sum := sha256.Sum256(priv)
	return sum[:], nil
}

// SealToken encrypts a sync token for storage in the pairing file.
// AES-256-GCM with a random nonce prepended, Base64 on the outside.
func SealToken(identity *NodeIdentity, token string) (string, error) {
	key, err := sealingKey(identity)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenToken decrypts a token sealed by SealToken
func OpenToken(identity *NodeIdentity, sealed string) (string, error) {
	key, err := sealingKey(identity)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("corrupt sealed token: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrSealMismatch
	}

	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", ErrSealMismatch
	}
	return string(plain), nil
}
