package utils

import (
	"strings"
	"testing"
)

func TestPairingPayloadRoundTrip(t *testing.T) {
	if err := LoadOrGenerateIdentity(t.TempDir(), "device_identity.json"); err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	identity := GetIdentity()

	pubHex, err := identity.GetPublicKeyHex()
	if err != nil {
		t.Fatalf("Failed to hex-encode public key: %v", err)
	}

	payload, err := GeneratePairingPayload(PairingData{
		InstanceID:   identity.InstanceID,
		PublicKeyHex: pubHex,
		ServerURL:    "http://192.168.1.20:3001",
	})
	if err != nil {
		t.Fatalf("Failed to generate pairing payload: %v", err)
	}
	t.Logf("Generated pairing payload: %s", payload)

	if !strings.HasPrefix(payload, "MVS$1$") {
		t.Errorf("Payload should start with MVS$1$, got %s", payload)
	}

	decoded, err := DecodePairingPayload(payload)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.InstanceID != identity.InstanceID {
		t.Errorf("Instance mismatch: got %s, want %s", decoded.InstanceID, identity.InstanceID)
	}
	if decoded.PublicKeyHex != pubHex {
		t.Errorf("Public key mismatch: got %s, want %s", decoded.PublicKeyHex, pubHex)
	}
	if decoded.ServerURL != "http://192.168.1.20:3001" {
		t.Errorf("URL mismatch: got %s", decoded.ServerURL)
	}
}

func TestPairingPayloadRejectsGarbage(t *testing.T) {
	goodKey := strings.Repeat("ab", 32)
	bad := []string{
		"",
		"MVS",
		"MVS$1$abc",
		// wrong prefix
		"XYZ$1$abc$" + goodKey + "$http://x",
		// unknown version
		"MVS$9$abc$" + goodKey + "$http://x",
		// key is not hex
		"MVS$1$abc$nothex$http://x",
		// key too short
		"MVS$1$abc$deadbeef$http://x",
		// empty instance
		"MVS$1$$" + goodKey + "$x",
		// empty url
		"MVS$1$abc$" + goodKey + "$",
	}

	for _, code := range bad {
		if _, err := DecodePairingPayload(code); err == nil {
			t.Errorf("Payload %q should not decode", code)
		}
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	if err := LoadOrGenerateIdentity(t.TempDir(), "device_identity.json"); err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	identity := GetIdentity()

	message := RegistrationMessage("device-abc", identity.PublicKey)
	sig, err := identity.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	ok, err := VerifySignature(identity.PublicKey, message, sig)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if !ok {
		t.Error("Signature should verify")
	}

	// Tampered message must not verify
	ok, err = VerifySignature(identity.PublicKey, message+"x", sig)
	if err != nil {
		t.Fatalf("Failed to verify tampered message: %v", err)
	}
	if ok {
		t.Error("Tampered message should not verify")
	}
}
