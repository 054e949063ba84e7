package dpop

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
)

const (
	// maxProofSize is the maximum allowed size of a DPoP proof in bytes.
	// This prevents DoS attacks via oversized proofs.
	maxProofSize = 8 * 1024 // 8KB

	// es256SignatureSize is the raw R||S signature length for ES256.
	es256SignatureSize = 2 * coordinateSize
)

// DecodeProof decodes a compact DPoP proof and verifies its signature
// against the public key embedded in its own header.
//
// This is purely structural and cryptographic validity: no timestamp,
// replay, request-binding, or algorithm-policy checks happen here; those
// belong to the Verifier. Unknown claim fields are ignored; missing
// required fields fail with dpop.malformed_proof.
//
// The signature is always verified with the ES256 routine. The header alg
// is never used to select the verification algorithm.
func DecodeProof(proof string) (*Header, *Claims, error) {
	if proof == "" {
		return nil, nil, ErrMissingProof()
	}

	if len(proof) > maxProofSize {
		return nil, nil, ErrMalformedProof("proof exceeds maximum size of 8KB")
	}

	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return nil, nil, ErrMalformedProof("proof must have exactly 3 segments")
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, nil, ErrMalformedProof("proof segments cannot be empty")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, ErrMalformedProof("invalid base64url encoding in header")
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, ErrMalformedProof("invalid JSON in header")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrMalformedProof("invalid base64url encoding in payload")
	}

	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, nil, ErrMalformedProof("invalid JSON in payload")
	}

	if err := requireClaims(&header, &claims); err != nil {
		return nil, nil, err
	}

	publicKey, err := JWKToPublicKey(header.JWK)
	if err != nil {
		return nil, nil, err
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, ErrMalformedProof("invalid base64url encoding in signature")
	}

	// The signing input is "header.payload" (the first two segments).
	signingInput := parts[0] + "." + parts[1]
	if !verifyES256(publicKey, []byte(signingInput), signature) {
		return nil, nil, ErrInvalidSignature()
	}

	return &header, &claims, nil
}

// requireClaims checks that every required header and payload field is present.
func requireClaims(header *Header, claims *Claims) error {
	if header.Typ == "" {
		return ErrMalformedProof("typ header is required")
	}
	if header.Alg == "" {
		return ErrMalformedProof("alg header is required")
	}
	if header.JWK == nil {
		return ErrMalformedProof("jwk header is required")
	}
	if claims.JTI == "" {
		return ErrMalformedProof("jti claim is required")
	}
	if claims.HTM == "" {
		return ErrMalformedProof("htm claim is required")
	}
	if claims.HTU == "" {
		return ErrMalformedProof("htu claim is required")
	}
	if claims.IAT == 0 {
		return ErrMalformedProof("iat claim is required")
	}
	if claims.JKT == "" {
		return ErrMalformedProof("jkt claim is required")
	}
	return nil
}

// verifyES256 verifies a raw R||S ECDSA P-256 signature over the SHA-256
// digest of the signing input.
func verifyES256(publicKey *ecdsa.PublicKey, signingInput, signature []byte) bool {
	if len(signature) != es256SignatureSize {
		return false
	}

	r := new(big.Int).SetBytes(signature[:coordinateSize])
	s := new(big.Int).SetBytes(signature[coordinateSize:])

	digest := sha256.Sum256(signingInput)
	return ecdsa.Verify(publicKey, digest[:], r, s)
}
