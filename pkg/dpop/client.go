package dpop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
)

// Client is an HTTP client that automatically attaches DPoP proofs.
// A fresh proof (new jti, new iat) is generated for every request, so a
// rejected request can always be retried with a fresh proof.
//
// When a server demands a nonce (HTTP 401 with a DPoP-Nonce header), the
// client retries the request once with the nonce included, and caches the
// most recent nonce for subsequent requests.
type Client struct {
	httpClient *http.Client
	signer     *Signer
	baseURL    string

	mu    sync.Mutex
	nonce string // most recent DPoP-Nonce seen from the server
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a new DPoP-enabled HTTP client.
func NewClient(baseURL string, signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		signer:     signer,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do sends an HTTP request with DPoP authentication.
//
// Requests that need to survive a nonce retry must either have no body or
// set req.GetBody (http.NewRequest does this for common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.send(req, c.currentNonce())
	if err != nil {
		return nil, err
	}

	// Server demands a nonce: remember it and retry once with it.
	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		c.setNonce(nonce)
		if resp.StatusCode == http.StatusUnauthorized {
			retry, err := cloneRequest(req)
			if err != nil {
				return resp, nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return c.send(retry, nonce)
		}
	}

	return resp, nil
}

// send generates a fresh proof with the given nonce and performs the request.
func (c *Client) send(req *http.Request, nonce string) (*http.Response, error) {
	uri := c.baseURL + req.URL.Path
	proof, err := c.signer.CreateProofWithNonce(req.Method, uri, nonce)
	if err != nil {
		return nil, fmt.Errorf("generate dpop proof: %w", err)
	}

	req.Header.Set("DPoP", proof)
	return c.httpClient.Do(req)
}

func (c *Client) currentNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

func (c *Client) setNonce(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = nonce
}

// cloneRequest produces a retryable copy of a request, rewinding the body
// via GetBody when one is present.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

// Get performs a GET request with DPoP authentication.
func (c *Client) Get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST request with DPoP authentication.
func (c *Client) Post(path string, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// PostJSON performs a POST request with JSON body and DPoP authentication.
func (c *Client) PostJSON(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return c.Post(path, "application/json", data)
}

// Delete performs a DELETE request with DPoP authentication.
func (c *Client) Delete(path string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// AuthError represents an authentication error from the server.
type AuthError struct {
	StatusCode int
	Code       string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Code)
}

// UserMessage returns a user-friendly message for the error code.
// Servers mask most codes as auth.failed; only structural codes reach
// clients with detail.
func (e *AuthError) UserMessage() string {
	switch e.Code {
	case ErrCodeMissingProof:
		return "Authentication failed: request is missing its proof"
	case ErrCodeMalformedProof:
		return "Authentication failed: proof was malformed"
	case ErrCodeExpired:
		return clockSyncErrorMessage()
	default:
		return fmt.Sprintf("Authentication failed: %s", e.Code)
	}
}

// IsClockError returns true if the error suggests clock synchronization issues.
func (e *AuthError) IsClockError() bool {
	return e.Code == ErrCodeExpired
}

// clockSyncErrorMessage returns a user-friendly error message with
// platform-specific fix commands.
func clockSyncErrorMessage() string {
	base := "Authentication failed: system clock is out of sync"
	switch runtime.GOOS {
	case "linux":
		return base + "\nFix: sudo timedatectl set-ntp true"
	case "darwin":
		return base + "\nFix: sudo sntp -sS time.apple.com"
	case "windows":
		return base + "\nFix: w32tm /resync"
	default:
		return base + " (check NTP settings)"
	}
}

// ParseAuthError parses an authentication error from an HTTP response.
// Returns nil if the response is not a 400/401/403.
func ParseAuthError(resp *http.Response) *AuthError {
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
	default:
		return nil
	}

	var errorResp struct {
		Error string `json:"error"`
	}

	if resp.Body != nil {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err == nil {
			json.Unmarshal(body, &errorResp)
		}
	}

	code := errorResp.Error
	if code == "" {
		code = "unknown"
	}

	return &AuthError{
		StatusCode: resp.StatusCode,
		Code:       code,
	}
}
