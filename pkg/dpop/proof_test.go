package dpop

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := NewSigner(key)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

func TestProofRoundTrip(t *testing.T) {
	signer := newTestSigner(t)

	t.Log("Creating a proof for POST https://api.example.com/v1/votes")
	proof, err := signer.CreateProof("POST", "https://api.example.com/v1/votes")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}

	t.Log("Decoding and verifying the proof")
	header, claims, err := DecodeProof(proof)
	if err != nil {
		t.Fatalf("failed to decode proof: %v", err)
	}

	if header.Typ != TypeDPoP {
		t.Errorf("expected typ %q, got %q", TypeDPoP, header.Typ)
	}
	if header.Alg != AlgES256 {
		t.Errorf("expected alg %q, got %q", AlgES256, header.Alg)
	}
	if header.JWK == nil {
		t.Fatal("expected embedded jwk in header")
	}
	if claims.HTM != "POST" {
		t.Errorf("expected htm POST, got %q", claims.HTM)
	}
	if claims.HTU != "https://api.example.com/v1/votes" {
		t.Errorf("unexpected htu: %q", claims.HTU)
	}
	if claims.JTI == "" {
		t.Error("expected non-empty jti")
	}
	if claims.JKT != signer.Thumbprint() {
		t.Errorf("jkt claim %q does not match signer thumbprint %q", claims.JKT, signer.Thumbprint())
	}

	now := time.Now().Unix()
	if claims.IAT < now-5 || claims.IAT > now+5 {
		t.Errorf("iat %d not near current time %d", claims.IAT, now)
	}
}

func TestProofCarriesNonce(t *testing.T) {
	signer := newTestSigner(t)

	proof, err := signer.CreateProofWithNonce("GET", "https://api.example.com/v1/polls", "srv-nonce-42")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}

	_, claims, err := DecodeProof(proof)
	if err != nil {
		t.Fatalf("failed to decode proof: %v", err)
	}
	if claims.Nonce != "srv-nonce-42" {
		t.Errorf("expected nonce claim srv-nonce-42, got %q", claims.Nonce)
	}
}

func TestProofFreshJTIPerProof(t *testing.T) {
	signer := newTestSigner(t)

	t.Log("Creating two proofs for the same request")
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		proof, err := signer.CreateProof("GET", "https://api.example.com/v1/polls")
		if err != nil {
			t.Fatalf("failed to create proof: %v", err)
		}
		_, claims, err := DecodeProof(proof)
		if err != nil {
			t.Fatalf("failed to decode proof: %v", err)
		}
		if seen[claims.JTI] {
			t.Fatalf("jti %q reused across proofs", claims.JTI)
		}
		seen[claims.JTI] = true
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	signer := newTestSigner(t)

	proof, err := signer.CreateProof("POST", "https://api.example.com/v1/votes")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}

	t.Log("Rewriting the htm claim without re-signing")
	parts := strings.Split(proof, ".")
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	claims["htm"] = "DELETE"
	forged, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal forged payload: %v", err)
	}
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	_, _, err = DecodeProof(tampered)
	if err == nil {
		t.Fatal("expected tampered proof to be rejected")
	}
	if CodeOf(err) != ErrCodeInvalidSignature {
		t.Errorf("expected %s, got %s", ErrCodeInvalidSignature, CodeOf(err))
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	signer := newTestSigner(t)

	proof, err := signer.CreateProof("POST", "https://api.example.com/v1/votes")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}

	t.Log("Flipping a bit in the signature segment")
	parts := strings.Split(proof, ".")
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("failed to decode signature: %v", err)
	}
	sig[0] ^= 0x01
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(sig)

	_, _, err = DecodeProof(tampered)
	if err == nil {
		t.Fatal("expected tampered proof to be rejected")
	}
	if CodeOf(err) != ErrCodeInvalidSignature {
		t.Errorf("expected %s, got %s", ErrCodeInvalidSignature, CodeOf(err))
	}
}

func TestDecodeProofMalformed(t *testing.T) {
	tests := []struct {
		name  string
		proof string
		code  string
	}{
		{"empty", "", ErrCodeMissingProof},
		{"one segment", "notajwt", ErrCodeMalformedProof},
		{"two segments", "abc.def", ErrCodeMalformedProof},
		{"four segments", "a.b.c.d", ErrCodeMalformedProof},
		{"empty segment", "a..c", ErrCodeMalformedProof},
		{"invalid base64", "!!!.###.$$$", ErrCodeMalformedProof},
		{"oversized", strings.Repeat("a", maxProofSize+1) + ".b.c", ErrCodeMalformedProof},
		{
			// Valid base64 segments, but the header is not JSON.
			"non-JSON header",
			base64.RawURLEncoding.EncodeToString([]byte("hello")) + "." +
				base64.RawURLEncoding.EncodeToString([]byte("{}")) + "." +
				base64.RawURLEncoding.EncodeToString([]byte("sig")),
			ErrCodeMalformedProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeProof(tt.proof)
			if err == nil {
				t.Fatal("expected error")
			}
			if CodeOf(err) != tt.code {
				t.Errorf("expected %s, got %s", tt.code, CodeOf(err))
			}
		})
	}
}

func TestDecodeProofMissingClaims(t *testing.T) {
	signer := newTestSigner(t)

	proof, err := signer.CreateProof("GET", "https://api.example.com/")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}
	parts := strings.Split(proof, ".")

	required := []string{"jti", "htm", "htu", "iat", "jkt"}
	for _, field := range required {
		t.Run("missing "+field, func(t *testing.T) {
			payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
			if err != nil {
				t.Fatalf("failed to decode payload: %v", err)
			}
			var claims map[string]any
			if err := json.Unmarshal(payloadBytes, &claims); err != nil {
				t.Fatalf("failed to parse payload: %v", err)
			}
			delete(claims, field)
			stripped, err := json.Marshal(claims)
			if err != nil {
				t.Fatalf("failed to marshal payload: %v", err)
			}
			mutated := parts[0] + "." + base64.RawURLEncoding.EncodeToString(stripped) + "." + parts[2]

			_, _, err = DecodeProof(mutated)
			if err == nil {
				t.Fatal("expected error for missing claim")
			}
			// Required-field checks run before signature verification.
			if CodeOf(err) != ErrCodeMalformedProof {
				t.Errorf("expected %s, got %s", ErrCodeMalformedProof, CodeOf(err))
			}
		})
	}
}

func TestProofRejectsSignatureFromDifferentKey(t *testing.T) {
	signerA := newTestSigner(t)
	signerB := newTestSigner(t)

	t.Log("Splicing signer B's signature onto signer A's proof")
	proofA, err := signerA.CreateProof("GET", "https://api.example.com/")
	if err != nil {
		t.Fatalf("failed to create proof A: %v", err)
	}
	proofB, err := signerB.CreateProof("GET", "https://api.example.com/")
	if err != nil {
		t.Fatalf("failed to create proof B: %v", err)
	}

	partsA := strings.Split(proofA, ".")
	partsB := strings.Split(proofB, ".")
	spliced := partsA[0] + "." + partsA[1] + "." + partsB[2]

	_, _, err = DecodeProof(spliced)
	if err == nil {
		t.Fatal("expected spliced proof to be rejected")
	}
	if CodeOf(err) != ErrCodeInvalidSignature {
		t.Errorf("expected %s, got %s", ErrCodeInvalidSignature, CodeOf(err))
	}
}
