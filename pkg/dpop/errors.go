package dpop

import (
	"errors"
	"fmt"
	"net/http"
)

// Rejection codes for proof and binding validation. Each maps to an HTTP
// status for the HTTP-layer collaborator; the specific code is for
// server-side logging only and is masked as CodeAuthFailed in responses
// unless the middleware runs in debug mode.
const (
	ErrCodeMissingProof     = "dpop.missing_proof"         // HTTP 401 - DPoP header absent
	ErrCodeMalformedProof   = "dpop.malformed_proof"       // HTTP 400 - structural parse failure
	ErrCodeInvalidSignature = "dpop.invalid_signature"     // HTTP 401 - signature does not verify
	ErrCodeUnsupportedAlg   = "dpop.unsupported_algorithm" // HTTP 401 - typ/alg not the accepted ones
	ErrCodeKeyMismatch      = "dpop.key_mismatch"          // HTTP 401 - jkt claim does not match embedded key
	ErrCodeRequestMismatch  = "dpop.request_mismatch"      // HTTP 401 - htm/htu does not match request
	ErrCodeNonceMismatch    = "dpop.nonce_mismatch"        // HTTP 401 - nonce claim missing or wrong
	ErrCodeExpired          = "dpop.expired"               // HTTP 401 - iat outside validity window
	ErrCodeReplay           = "dpop.replay"                // HTTP 401 - jti already used
	ErrCodeInvalidKeyFormat = "dpop.invalid_key_format"    // HTTP 400 - key is not a valid P-256 key
	ErrCodeTokenNotFound    = "token.not_found"            // HTTP 401 - token absent or superseded
	ErrCodeTokenNotBound    = "token.not_bound_to_key"     // HTTP 401 - token bound to a different jkt
)

// CodeAuthFailed is the generic code returned to clients in production mode.
// Masking prevents an attacker from distinguishing, for example, a replayed
// proof from a bad signature.
const CodeAuthFailed = "auth.failed"

// httpStatusMap maps rejection codes to their HTTP status codes.
var httpStatusMap = map[string]int{
	ErrCodeMissingProof:     http.StatusUnauthorized,
	ErrCodeMalformedProof:   http.StatusBadRequest,
	ErrCodeInvalidSignature: http.StatusUnauthorized,
	ErrCodeUnsupportedAlg:   http.StatusUnauthorized,
	ErrCodeKeyMismatch:      http.StatusUnauthorized,
	ErrCodeRequestMismatch:  http.StatusUnauthorized,
	ErrCodeNonceMismatch:    http.StatusUnauthorized,
	ErrCodeExpired:          http.StatusUnauthorized,
	ErrCodeReplay:           http.StatusUnauthorized,
	ErrCodeInvalidKeyFormat: http.StatusBadRequest,
	ErrCodeTokenNotFound:    http.StatusUnauthorized,
	ErrCodeTokenNotBound:    http.StatusUnauthorized,
}

// ProofError is a rejection with a structured code. Every verification step
// fails fast with the first applicable code; nothing here is fatal to the
// process and nothing is retried automatically.
type ProofError struct {
	Code    string // One of the ErrCode* constants
	Message string // Human-readable description, server-side only
	Status  int    // HTTP status code
}

// Error implements the error interface.
func (e *ProofError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code for this rejection.
func (e *ProofError) HTTPStatus() int {
	return e.Status
}

// newError creates a ProofError with the given code and message.
func newError(code, message string) *ProofError {
	return &ProofError{
		Code:    code,
		Message: message,
		Status:  httpStatusMap[code],
	}
}

// CodeOf extracts the rejection code from an error.
// Returns CodeAuthFailed for errors that are not a *ProofError.
func CodeOf(err error) string {
	var pe *ProofError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeAuthFailed
}

// ErrMissingProof creates an error for an absent DPoP header.
func ErrMissingProof() *ProofError {
	return newError(ErrCodeMissingProof, "DPoP proof required")
}

// ErrMalformedProof creates an error for a structurally invalid proof.
func ErrMalformedProof(reason string) *ProofError {
	return newError(ErrCodeMalformedProof, reason)
}

// ErrInvalidSignature creates an error for signature verification failure.
func ErrInvalidSignature() *ProofError {
	return newError(ErrCodeInvalidSignature, "proof signature verification failed")
}

// ErrUnsupportedAlgorithm creates an error for a typ or alg the verifier
// does not accept.
func ErrUnsupportedAlgorithm(got string) *ProofError {
	return newError(ErrCodeUnsupportedAlg, fmt.Sprintf("algorithm %q is not accepted", got))
}

// ErrKeyMismatch creates an error for a jkt claim that does not match the
// thumbprint of the embedded key.
func ErrKeyMismatch() *ProofError {
	return newError(ErrCodeKeyMismatch, "jkt claim does not match embedded key thumbprint")
}

// ErrRequestMismatch creates an error for an htm/htu that does not match
// the inbound request.
func ErrRequestMismatch(field, want, got string) *ProofError {
	return newError(ErrCodeRequestMismatch, fmt.Sprintf("%s mismatch: proof declares %q, request is %q", field, got, want))
}

// ErrNonceMismatch creates an error for a missing or wrong nonce claim.
func ErrNonceMismatch() *ProofError {
	return newError(ErrCodeNonceMismatch, "nonce claim missing or does not match expected nonce")
}

// ErrExpired creates an error for an iat outside the validity window.
// A negative age means the proof's iat is in the future beyond clock skew.
func ErrExpired(ageSeconds, maxSeconds int64) *ProofError {
	if ageSeconds < 0 {
		return newError(ErrCodeExpired, fmt.Sprintf("proof iat is %d seconds in the future", -ageSeconds))
	}
	return newError(ErrCodeExpired, fmt.Sprintf("proof is %d seconds old, maximum %d", ageSeconds, maxSeconds))
}

// ErrReplay creates an error for a jti that has already been accepted.
func ErrReplay() *ProofError {
	return newError(ErrCodeReplay, "proof jti has already been used")
}

// ErrInvalidKeyFormat creates an error for a key that is not a valid
// P-256 public key.
func ErrInvalidKeyFormat(reason string) *ProofError {
	return newError(ErrCodeInvalidKeyFormat, reason)
}

// ErrTokenNotFound creates an error for a token that does not exist or has
// been superseded by rotation.
func ErrTokenNotFound() *ProofError {
	return newError(ErrCodeTokenNotFound, "token not found or superseded")
}

// ErrTokenNotBound creates an error for a proof whose key does not match
// the token's recorded binding.
func ErrTokenNotBound() *ProofError {
	return newError(ErrCodeTokenNotBound, "presented key does not match token binding")
}

// Replay guard internal errors. These indicate caller or capacity problems,
// not proof rejections.
var (
	// ErrInvalidJTI indicates the jti is empty or otherwise invalid.
	ErrInvalidJTI = errors.New("invalid jti: must be non-empty")

	// ErrJTITooLong indicates the jti exceeds the maximum allowed length.
	ErrJTITooLong = errors.New("jti too long: maximum 1024 bytes")

	// ErrGuardFull indicates the replay guard has reached its maximum entry count.
	ErrGuardFull = errors.New("replay guard full: maximum entries reached")
)
