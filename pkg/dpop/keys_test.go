package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	t.Log("Encoding private key to PKCS#8 PEM and loading it back")
	pemBytes, err := EncodePrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	loaded, err := LoadPrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if !loaded.Equal(key) {
		t.Error("loaded key does not equal original")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBytes, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	loaded, err := LoadPublicKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if !loaded.Equal(&key.PublicKey) {
		t.Error("loaded key does not equal original")
	}
}

func TestLoadPrivateKeyPEMRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not PEM", []byte("hello world")},
		{"wrong block", []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPrivateKeyPEM(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadPrivateKeyPEMRejectsWrongCurve(t *testing.T) {
	t.Log("Encoding a P-384 key; loading must refuse it")
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate P-384 key: %v", err)
	}
	pemBytes, err := EncodePrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	if _, err := LoadPrivateKeyPEM(pemBytes); err == nil {
		t.Error("expected error for non-P-256 key")
	}
}

func TestJWKToPublicKeyRejectsInvalid(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	good, err := PublicKeyToJWK(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to convert key: %v", err)
	}

	tests := []struct {
		name string
		jwk  *JWK
	}{
		{"nil", nil},
		{"wrong kty", &JWK{Kty: "RSA", Crv: good.Crv, X: good.X, Y: good.Y}},
		{"wrong crv", &JWK{Kty: "EC", Crv: "P-384", X: good.X, Y: good.Y}},
		{"bad x encoding", &JWK{Kty: "EC", Crv: "P-256", X: "!!!", Y: good.Y}},
		{"short x", &JWK{Kty: "EC", Crv: "P-256", X: "AAAA", Y: good.Y}},
		{"off-curve point", &JWK{Kty: "EC", Crv: "P-256", X: good.X, Y: good.X}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JWKToPublicKey(tt.jwk)
			if err == nil {
				t.Fatal("expected error")
			}
			if CodeOf(err) != ErrCodeInvalidKeyFormat {
				t.Errorf("expected %s, got %s", ErrCodeInvalidKeyFormat, CodeOf(err))
			}
		})
	}
}

func TestKeyFingerprintStable(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	fp1, err := KeyFingerprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint failed: %v", err)
	}
	fp2, err := KeyFingerprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint failed: %v", err)
	}
	if fp1 != fp2 {
		t.Error("fingerprint not stable")
	}
	if len(fp1) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(fp1))
	}
}
