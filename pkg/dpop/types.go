package dpop

// Type and algorithm constants. The algorithm is a compile-time default, not
// a header-driven choice: the verifier compares the header alg against its
// single configured algorithm and never uses the header to select the
// verification routine.
const (
	// TypeDPoP is the required typ header value for DPoP proofs.
	TypeDPoP = "dpop+jwt"

	// AlgES256 is the default permitted algorithm for DPoP proofs
	// (ECDSA over P-256 with SHA-256).
	AlgES256 = "ES256"
)

// Header contains the JOSE header claims for a DPoP proof JWT.
// Per RFC 9449, the header carries typ, alg, and the signer's public key
// as an embedded JWK.
type Header struct {
	// Typ must be "dpop+jwt" (required)
	Typ string `json:"typ"`

	// Alg declares the signing algorithm (required). It must equal the
	// verifier's accepted algorithm exactly.
	Alg string `json:"alg"`

	// JWK is the public key used to self-verify the proof signature (required).
	JWK *JWK `json:"jwk"`
}

// Claims contains the payload claims for a DPoP proof JWT.
// These claims bind the proof to a specific HTTP request and key.
type Claims struct {
	// JTI is a unique proof identifier (UUID) for replay prevention (required)
	JTI string `json:"jti"`

	// HTM is the HTTP method of the request (e.g., "POST", "GET") (required)
	HTM string `json:"htm"`

	// HTU is the HTTP URI of the request, normalized (scheme + host + path) (required)
	HTU string `json:"htu"`

	// IAT is the issued-at timestamp in Unix seconds (required)
	IAT int64 `json:"iat"`

	// JKT is the signer's self-declared key thumbprint. It must match the
	// thumbprint computed from the embedded JWK (required).
	JKT string `json:"jkt"`

	// Nonce is the server-supplied nonce, present only in nonce-required flows.
	Nonce string `json:"nonce,omitempty"`
}

// JWK represents a JSON Web Key containing a P-256 ECDSA public key.
// This is embedded in the DPoP header so the proof is self-verifying.
type JWK struct {
	// Kty must be "EC" (Elliptic Curve)
	Kty string `json:"kty"`

	// Crv must be "P-256"
	Crv string `json:"crv"`

	// X is the base64url-encoded X coordinate (32 bytes, left-padded)
	X string `json:"x"`

	// Y is the base64url-encoded Y coordinate (32 bytes, left-padded)
	Y string `json:"y"`
}
