// Package dpop implements DPoP (Demonstrating Proof of Possession) tokens
// per RFC 9449.
//
// DPoP binds bearer credentials to a specific client key pair, so that a
// stolen token cannot be replayed from a different client. All proof-of-
// possession authentication in the Choices platform uses DPoP with ES256
// (ECDSA over P-256) keys.
//
// # Proof Structure
//
// A DPoP proof is a compact JWT containing:
//   - jti: unique proof identifier for replay detection
//   - htm: HTTP method the proof is scoped to
//   - htu: normalized HTTP URI the proof is scoped to
//   - iat: issued-at timestamp
//   - jkt: the signer's own key thumbprint (RFC 7638)
//   - nonce: server-supplied nonce, when the flow requires one
//   - jwk: the public key, embedded in the JOSE header
//
// # Usage
//
// Create proofs for API requests:
//
//	signer, err := dpop.NewSigner(privateKey)
//	proof, err := signer.CreateProof("POST", "https://api.example/token")
//
// Verify incoming proofs:
//
//	verifier := dpop.NewVerifier(dpop.DefaultVerifierConfig(), guard)
//	result, err := verifier.VerifyProof(ctx, proof, "POST", uri, time.Now(), dpop.NoNonce())
package dpop
