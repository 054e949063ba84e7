package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
)

// ComputeThumbprint computes the RFC 7638 JWK thumbprint (jkt) of a P-256
// public key.
//
// The thumbprint is the SHA-256 hash of the canonical JWK member set
// (crv, kty, x, y in lexicographic order, no insignificant whitespace),
// base64url-encoded without padding. The same key always produces the same
// thumbprint; any coordinate difference produces a different one.
//
// Returns dpop.invalid_key_format if the key is nil, not on P-256, or not
// a valid curve point.
func ComputeThumbprint(publicKey *ecdsa.PublicKey) (string, error) {
	jwk, err := PublicKeyToJWK(publicKey)
	if err != nil {
		return "", err
	}
	return jwk.Thumbprint(), nil
}

// Thumbprint computes the RFC 7638 thumbprint of the JWK.
//
// The canonical serialization is built by hand rather than with
// encoding/json so the member order and byte layout are fixed regardless
// of struct field order.
func (k *JWK) Thumbprint() string {
	canonical := `{"crv":"` + k.Crv + `","kty":"` + k.Kty + `","x":"` + k.X + `","y":"` + k.Y + `"}`
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PublicKeyToJWK converts a P-256 ECDSA public key to JWK format.
// Coordinates are left-padded to the fixed 32-byte field width before
// base64url encoding, as required for a stable thumbprint.
//
// Returns dpop.invalid_key_format if the key is nil, on a different curve,
// or not a valid point on P-256.
func PublicKeyToJWK(publicKey *ecdsa.PublicKey) (*JWK, error) {
	if publicKey == nil || publicKey.X == nil || publicKey.Y == nil {
		return nil, ErrInvalidKeyFormat("public key is nil or missing coordinates")
	}

	if publicKey.Curve != elliptic.P256() {
		return nil, ErrInvalidKeyFormat("public key is not on curve P-256")
	}

	// Reject coordinates that are not a point on the curve. Off-curve keys
	// would still hash deterministically but can never verify a signature.
	if !publicKey.Curve.IsOnCurve(publicKey.X, publicKey.Y) {
		return nil, ErrInvalidKeyFormat("public key coordinates are not on curve P-256")
	}

	xBytes := make([]byte, coordinateSize)
	yBytes := make([]byte, coordinateSize)
	publicKey.X.FillBytes(xBytes)
	publicKey.Y.FillBytes(yBytes)

	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(xBytes),
		Y:   base64.RawURLEncoding.EncodeToString(yBytes),
	}, nil
}

// coordinateSize is the field element width for P-256 (32 bytes).
const coordinateSize = 32
