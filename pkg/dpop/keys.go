package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
)

// GenerateKeyPair generates a new P-256 ECDSA key pair using
// cryptographically secure random number generation.
//
// The key pair is owned exclusively by the client; servers only ever see
// the public key and its derived thumbprint.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key pair: %w", err)
	}
	return key, nil
}

// KeyFingerprint computes the SHA256 fingerprint of a P-256 public key.
// Returns a lowercase hex string (64 characters).
//
// This fingerprint is used for key identification and deduplication in
// logs and CLI output. It is distinct from the RFC 7638 thumbprint, which
// is the on-the-wire binding identifier.
func KeyFingerprint(publicKey *ecdsa.PublicKey) (string, error) {
	jwk, err := PublicKeyToJWK(publicKey)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(jwk.X + "." + jwk.Y))
	return hex.EncodeToString(hash[:]), nil
}

// LoadPrivateKeyPEM parses a P-256 private key from PEM-encoded data.
// Accepts PKCS#8 format ("PRIVATE KEY" block).
//
// Returns an error if the PEM is malformed or contains a non-P-256 key.
// Error messages never contain key material.
func LoadPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block: no valid PEM data found")
	}

	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("unexpected PEM block type %q, expected PRIVATE KEY", block.Type)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA: only P-256 keys are supported")
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key is not on curve P-256")
	}

	return ecKey, nil
}

// LoadPublicKeyPEM parses a P-256 public key from PEM-encoded data.
// Accepts PKIX format ("PUBLIC KEY" block).
func LoadPublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block: no valid PEM data found")
	}

	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("unexpected PEM block type %q, expected PUBLIC KEY", block.Type)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA: only P-256 keys are supported")
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key is not on curve P-256")
	}

	return ecKey, nil
}

// EncodePrivateKeyPEM serializes a private key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PKCS#8 private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serializes a public key as a PKIX PEM block.
func EncodePublicKeyPEM(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PKIX public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// JWKToPublicKey converts a JWK to a P-256 ECDSA public key.
// Performs strict validation of kty, crv, coordinate lengths, and curve
// membership.
func JWKToPublicKey(jwk *JWK) (*ecdsa.PublicKey, error) {
	if jwk == nil {
		return nil, ErrInvalidKeyFormat("jwk is nil")
	}
	if jwk.Kty != "EC" {
		return nil, ErrInvalidKeyFormat(fmt.Sprintf("kty must be EC, got %q", jwk.Kty))
	}
	if jwk.Crv != "P-256" {
		return nil, ErrInvalidKeyFormat(fmt.Sprintf("crv must be P-256, got %q", jwk.Crv))
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, ErrInvalidKeyFormat("failed to decode x coordinate")
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, ErrInvalidKeyFormat("failed to decode y coordinate")
	}
	if len(xBytes) != coordinateSize || len(yBytes) != coordinateSize {
		return nil, ErrInvalidKeyFormat(fmt.Sprintf("coordinates must be %d bytes, got %d/%d", coordinateSize, len(xBytes), len(yBytes)))
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, ErrInvalidKeyFormat("coordinates are not a point on curve P-256")
	}

	return pub, nil
}
