package dpop

import (
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Signer creates DPoP proofs with a P-256 private key. The key pair never
// leaves the client; only the public half travels in the proof header.
//
// A Signer is safe for concurrent use; each proof gets a fresh jti and iat.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	jwk        *JWK
	jkt        string
}

// NewSigner creates a proof signer for the given private key.
// Returns dpop.invalid_key_format if the key is not a valid P-256 key.
func NewSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	if privateKey == nil {
		return nil, ErrInvalidKeyFormat("private key is nil")
	}
	jwk, err := PublicKeyToJWK(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{
		privateKey: privateKey,
		jwk:        jwk,
		jkt:        jwk.Thumbprint(),
	}, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the signer's public key.
// This is the identity a server binds tokens to.
func (s *Signer) Thumbprint() string {
	return s.jkt
}

// CreateProof creates a DPoP proof JWT for the given HTTP method and URI.
func (s *Signer) CreateProof(method, uri string) (string, error) {
	return s.CreateProofWithNonce(method, uri, "")
}

// CreateProofWithNonce creates a DPoP proof carrying a server-supplied
// nonce claim. Pass an empty nonce for flows that do not require one.
//
// Per RFC 9449, the proof contains:
//   - Header: typ="dpop+jwt", alg="ES256", and the public key as jwk
//   - Payload: jti (unique ID), htm, htu (normalized), iat, jkt, and
//     optionally nonce
func (s *Signer) CreateProofWithNonce(method, uri, nonce string) (string, error) {
	normalizedURI, err := NormalizeURI(uri)
	if err != nil {
		return "", fmt.Errorf("failed to normalize URI: %w", err)
	}

	joseJWK := jose.JSONWebKey{
		Key:       &s.privateKey.PublicKey,
		Algorithm: string(jose.ES256),
	}
	signerOpts := (&jose.SignerOptions{}).WithType(TypeDPoP).WithHeader("jwk", joseJWK)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: s.privateKey}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := Claims{
		JTI:   uuid.New().String(),
		HTM:   method,
		HTU:   normalizedURI,
		IAT:   time.Now().Unix(),
		JKT:   s.jkt,
		Nonce: nonce,
	}

	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize proof: %w", err)
	}

	return proof, nil
}

// SignRequest adds a DPoP header to an HTTP request.
//
// The htu is derived from the request's URL, not the Host header, to
// prevent Host header injection.
func (s *Signer) SignRequest(req *http.Request) error {
	proof, err := s.CreateProof(req.Method, req.URL.String())
	if err != nil {
		return fmt.Errorf("failed to generate DPoP proof: %w", err)
	}
	req.Header.Set("DPoP", proof)
	return nil
}

// NormalizeURI normalizes a URI per RFC 9449 Section 4.2:
//   - Lowercase scheme and host
//   - Keep path exactly as-is
//   - Remove query string and fragment
//   - Remove default port (443 for https, 80 for http)
//
// Returns an error if the URI is empty or missing scheme/host.
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", ErrMalformedProof("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ErrMalformedProof("URL must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())

	// Remove default ports, keep explicit non-default ones.
	port := parsed.Port()
	if port != "" {
		isDefaultPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefaultPort {
			host = host + ":" + port
		}
	}

	// Path only (no query or fragment)
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}
