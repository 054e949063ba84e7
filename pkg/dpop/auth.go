package dpop

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"time"
)

// Credential is the authorized identity attached to the request context
// after binding validation: the token, its owner, and the key it is bound to.
type Credential struct {
	TokenID string
	OwnerID string
	JKT     string
}

// BindingValidator re-verifies at resource-access time that the presented
// proof's key matches the key recorded on the token. Implemented by the
// token package; defined here so the middleware does not import it
// (structural typing, same as the audit bridge).
type BindingValidator interface {
	// ValidateBinding verifies the proof against the request context and
	// checks the resulting thumbprint against the token's stored binding.
	// Returns a *ProofError on rejection.
	ValidateBinding(ctx context.Context, tokenID, proof, method, uri string, now time.Time, nonce NonceExpectation) (*Credential, error)
}

// AuditEmitter emits structured audit events for authentication outcomes.
// Implementations live in pkg/audit; defined here to avoid import cycles.
type AuditEmitter interface {
	// EmitAuthSuccess records a successful DPoP authentication.
	EmitAuthSuccess(jkt, ip, method, path string, latencyMS int64)
	// EmitAuthFailure records a failed DPoP authentication.
	EmitAuthFailure(jkt, ip, reason, method, path string)
}

// nopAuditEmitter discards all events. Used when no emitter is configured.
type nopAuditEmitter struct{}

func (nopAuditEmitter) EmitAuthSuccess(string, string, string, string, int64) {}
func (nopAuditEmitter) EmitAuthFailure(string, string, string, string, string) {}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	// credentialKey is the context key for the authorized credential.
	credentialKey contextKey = iota
)

// CredentialFromContext extracts the authorized credential from the context.
// Returns nil if none is present (e.g., bypassed endpoint).
func CredentialFromContext(ctx context.Context) *Credential {
	c, _ := ctx.Value(credentialKey).(*Credential)
	return c
}

// ContextWithCredential returns a new context with the given credential.
// This is primarily used for testing handlers that expect an authorized caller.
func ContextWithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// AuthMiddleware enforces proof-of-possession on every resource access.
// It extracts the DPoP proof and the presented token, runs the binding
// validator, and only passes the request on when the proof's key matches
// the token's recorded binding.
type AuthMiddleware struct {
	validator BindingValidator
	logger    *slog.Logger
	audit     AuditEmitter

	// bypassPaths contains paths that don't require DPoP authentication.
	// Paths are normalized (lowercase, no trailing slash).
	bypassPaths map[string]bool

	// bypassPrefixes contains path prefixes that don't require DPoP.
	bypassPrefixes []string

	// debugMode enables detailed rejection codes in responses. In
	// production mode (default) every rejection is returned as the generic
	// auth.failed so an attacker cannot distinguish, say, a replayed proof
	// from a bad signature. Detailed codes are ALWAYS logged server-side.
	debugMode bool
}

// AuthMiddlewareOption configures an AuthMiddleware.
type AuthMiddlewareOption func(*AuthMiddleware)

// WithLogger sets the logger for the middleware.
func WithLogger(logger *slog.Logger) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		m.logger = logger
	}
}

// WithDebugMode enables detailed rejection codes in responses.
// Detailed codes are always logged server-side regardless of this setting.
func WithDebugMode(enabled bool) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		m.debugMode = enabled
	}
}

// WithAuditEmitter sets the audit event emitter for authentication outcomes.
func WithAuditEmitter(emitter AuditEmitter) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		if emitter != nil {
			m.audit = emitter
		}
	}
}

// WithBypassPaths adds exact paths that skip proof-of-possession checks.
func WithBypassPaths(paths ...string) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		for _, p := range paths {
			m.bypassPaths[p] = true
		}
	}
}

// WithBypassPrefixes adds path prefixes that skip proof-of-possession checks.
func WithBypassPrefixes(prefixes ...string) AuthMiddlewareOption {
	return func(m *AuthMiddleware) {
		m.bypassPrefixes = append(m.bypassPrefixes, prefixes...)
	}
}

// NewAuthMiddleware creates a new DPoP enforcement middleware.
func NewAuthMiddleware(validator BindingValidator, opts ...AuthMiddlewareOption) *AuthMiddleware {
	m := &AuthMiddleware{
		validator: validator,
		logger:    slog.Default(),
		audit:     nopAuditEmitter{},
		bypassPaths: map[string]bool{
			"/health": true,
			"/ready":  true,
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Wrap wraps an HTTP handler with DPoP enforcement.
// The handler is only called if binding validation succeeds or the path is
// bypassed.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Recover from panics to prevent unauthenticated access
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("panic in auth middleware",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				m.writeError(w, http.StatusInternalServerError, "internal_error")
				// Do NOT call next - request must not proceed
			}
		}()

		normalizedPath := m.normalizePath(r.URL.Path)
		if m.shouldBypass(normalizedPath) {
			m.logger.Debug("bypassing authentication",
				"method", r.Method,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r)
			return
		}

		proof := r.Header.Get("DPoP")
		if proof == "" {
			m.logAuthFailure(r, "", ErrCodeMissingProof, "")
			m.writeRejection(w, ErrMissingProof())
			return
		}

		tokenID, ok := presentedToken(r)
		if !ok {
			m.logAuthFailure(r, "", ErrCodeTokenNotFound, "no DPoP-bound token presented")
			m.writeRejection(w, ErrTokenNotFound())
			return
		}

		requestURI := m.buildRequestURI(r)

		cred, err := m.validator.ValidateBinding(r.Context(), tokenID, proof, r.Method, requestURI, time.Now(), NoNonce())
		if err != nil {
			code := CodeOf(err)
			m.logAuthFailure(r, "", code, err.Error())
			m.writeRejection(w, err)
			return
		}

		latencyMS := time.Since(start).Milliseconds()
		m.logAuthSuccess(r, cred.JKT, latencyMS)

		ctx := context.WithValue(r.Context(), credentialKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// presentedToken extracts the token from the Authorization header.
// Per RFC 9449 the scheme for DPoP-bound tokens is "DPoP"; the plain
// "Bearer" scheme is accepted for tokens that carry no binding.
func presentedToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	scheme := strings.ToLower(parts[0])
	if scheme != "dpop" && scheme != "bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// normalizePath normalizes a URL path for bypass checking.
// It handles path traversal, case, and URL encoding.
func (m *AuthMiddleware) normalizePath(p string) string {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		decoded = p
	}

	// Clean resolves .. and removes double slashes
	cleaned := path.Clean(decoded)
	lower := strings.ToLower(cleaned)

	if len(lower) > 1 && strings.HasSuffix(lower, "/") {
		lower = lower[:len(lower)-1]
	}

	return lower
}

// shouldBypass returns true if the path should bypass authentication.
func (m *AuthMiddleware) shouldBypass(normalizedPath string) bool {
	if m.bypassPaths[normalizedPath] {
		return true
	}

	for _, prefix := range m.bypassPrefixes {
		if strings.HasPrefix(normalizedPath, prefix) {
			return true
		}
	}

	return false
}

// buildRequestURI builds the URI string for DPoP validation.
// Per RFC 9449, this is scheme + host + path (no query string).
func (m *AuthMiddleware) buildRequestURI(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}

	// Use X-Forwarded-Host if present (behind proxy)
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host + r.URL.Path
}

// writeRejection writes a rejection, masking the detailed code in
// production mode. The HTTP status always comes from the rejection itself
// (400 for malformed proofs, 401 otherwise).
func (m *AuthMiddleware) writeRejection(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	code := CodeAuthFailed
	if pe, ok := err.(*ProofError); ok {
		status = pe.HTTPStatus()
		if m.debugMode {
			code = pe.Code
		}
	} else if m.debugMode {
		code = err.Error()
	}
	m.writeError(w, status, code)
}

// writeError writes a JSON error response. Only the code is included; the
// human-readable message stays server-side to prevent information
// disclosure.
func (m *AuthMiddleware) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": code,
	})
}

// logAuthSuccess logs a successful authentication and emits an audit event.
func (m *AuthMiddleware) logAuthSuccess(r *http.Request, jkt string, latencyMS int64) {
	ip := getClientIP(r)
	m.logger.Info("auth.success",
		"jkt", sanitizeForLog(jkt),
		"method", r.Method,
		"path", r.URL.Path,
		"ip", ip,
		"latency_ms", latencyMS,
	)
	m.audit.EmitAuthSuccess(jkt, ip, r.Method, r.URL.Path, latencyMS)
}

// logAuthFailure logs an authentication failure and emits an audit event.
// The detail parameter provides additional context for server logs.
func (m *AuthMiddleware) logAuthFailure(r *http.Request, jkt, reason, detail string) {
	ip := getClientIP(r)
	args := []any{
		"reason", reason,
		"jkt", sanitizeForLog(jkt),
		"method", r.Method,
		"path", r.URL.Path,
		"ip", ip,
	}
	if detail != "" {
		args = append(args, "detail", detail)
	}
	m.logger.Warn("auth.failure", args...)
	m.audit.EmitAuthFailure(jkt, ip, reason, r.Method, r.URL.Path)
}

// sanitizeForLog sanitizes a string for logging to prevent log injection.
func sanitizeForLog(s string) string {
	// Remove newlines and other control characters
	result := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	if len(result) > 256 {
		result = result[:256] + "..."
	}

	return result
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (may be set by proxy)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take the first IP in the chain
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	// Fall back to RemoteAddr, stripping the port if present
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		if strings.Contains(addr, "[") {
			if closeIdx := strings.LastIndex(addr, "]"); closeIdx != -1 && closeIdx < idx {
				return addr[:idx]
			}
		} else {
			return addr[:idx]
		}
	}
	return addr
}
