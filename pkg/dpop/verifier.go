package dpop

import (
	"context"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// VerifierConfig contains configuration for DPoP proof verification.
// The replay window and clock skew are configured on the injected
// ReplayGuard, which owns the iat checks.
type VerifierConfig struct {
	// Algorithm is the single accepted signing algorithm.
	// ENV: DPOP_ACCEPTED_ALGORITHM
	Algorithm string `env:"DPOP_ACCEPTED_ALGORITHM,default=ES256"`
}

// DefaultVerifierConfig returns the default verifier configuration.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{Algorithm: AlgES256}
}

// VerifierConfigFromEnv loads the verifier configuration from the
// environment; defaults are provided via struct tags.
func VerifierConfigFromEnv() VerifierConfig {
	var cfg VerifierConfig
	_ = envdecode.Decode(&cfg)
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgES256
	}
	return cfg
}

// NonceExpectation states whether the current flow requires a
// server-supplied nonce. Using a dedicated type instead of a nullable
// string makes the "nonce required but absent" case an explicit branch.
type NonceExpectation struct {
	required bool
	expected string
}

// NoNonce returns the expectation for flows without a server nonce.
func NoNonce() NonceExpectation {
	return NonceExpectation{}
}

// RequireNonce returns the expectation that the proof carries exactly the
// given server-issued nonce.
func RequireNonce(expected string) NonceExpectation {
	return NonceExpectation{required: true, expected: expected}
}

// Result is the outcome of a successful proof verification: the verified
// key thumbprint (the bound identity) and the decoded claims.
type Result struct {
	// JKT is the verified RFC 7638 thumbprint of the proof's key.
	JKT string

	// Claims are the decoded payload claims.
	Claims *Claims
}

// Verifier orchestrates proof decoding, thumbprint comparison, request
// binding, and replay detection against an injected ReplayGuard.
//
// The verification pipeline is stateless and CPU-bound; the guard is the
// sole piece of shared mutable state.
type Verifier struct {
	config VerifierConfig
	guard  ReplayGuard
}

// NewVerifier creates a new DPoP proof verifier.
func NewVerifier(config VerifierConfig, guard ReplayGuard) *Verifier {
	if config.Algorithm == "" {
		config.Algorithm = AlgES256
	}
	return &Verifier{config: config, guard: guard}
}

// VerifyProof validates a DPoP proof against the inbound request context
// and returns the bound key identity.
//
// Validation order, short-circuiting on the first failure:
//  1. Decode and cryptographically verify (dpop.malformed_proof,
//     dpop.invalid_signature, dpop.invalid_key_format)
//  2. typ and alg must be the accepted ones (dpop.unsupported_algorithm)
//  3. Thumbprint of the embedded key must equal the jkt claim
//     (dpop.key_mismatch) - defends against a forged payload claiming a
//     thumbprint it doesn't own
//  4. htm must equal method (case-insensitive) and htu must equal uri with
//     both sides normalized (dpop.request_mismatch)
//  5. Nonce claim must satisfy the expectation (dpop.nonce_mismatch)
//  6. Replay guard check-and-record (dpop.expired, dpop.replay)
func (v *Verifier) VerifyProof(ctx context.Context, proof, method, uri string, now time.Time, nonce NonceExpectation) (*Result, error) {
	// Step 1: structural and cryptographic validity.
	header, claims, err := DecodeProof(proof)
	if err != nil {
		return nil, err
	}

	// Step 2: typ and alg policy. The header alg was never used to select
	// the verification routine; it is only compared here.
	if header.Typ != TypeDPoP {
		return nil, ErrUnsupportedAlgorithm(header.Typ)
	}
	if header.Alg != v.config.Algorithm {
		return nil, ErrUnsupportedAlgorithm(header.Alg)
	}

	// Step 3: the self-declared jkt must match the embedded key.
	jkt := header.JWK.Thumbprint()
	if claims.JKT != jkt {
		return nil, ErrKeyMismatch()
	}

	// Step 4: request binding.
	if !strings.EqualFold(claims.HTM, method) {
		return nil, ErrRequestMismatch("htm", method, claims.HTM)
	}
	proofURI, err := NormalizeURI(claims.HTU)
	if err != nil {
		return nil, ErrMalformedProof("invalid htu URL")
	}
	requestURI, err := NormalizeURI(uri)
	if err != nil {
		return nil, ErrMalformedProof("invalid request URI")
	}
	if proofURI != requestURI {
		return nil, ErrRequestMismatch("htu", requestURI, proofURI)
	}

	// Step 5: server nonce, when the flow requires one.
	if nonce.required && claims.Nonce != nonce.expected {
		return nil, ErrNonceMismatch()
	}

	// Step 6: replay and iat window, delegated to the guard.
	entry := Entry{
		JTI: claims.JTI,
		JKT: jkt,
		HTM: claims.HTM,
		HTU: proofURI,
		IAT: claims.IAT,
	}
	if err := v.guard.CheckAndRecord(ctx, entry, now); err != nil {
		return nil, err
	}

	return &Result{JKT: jkt, Claims: claims}, nil
}
