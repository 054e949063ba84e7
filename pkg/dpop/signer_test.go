package dpop

import (
	"net/http"
	"testing"
)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "https://api.example.com/v1/votes", "https://api.example.com/v1/votes", false},
		{"uppercase scheme and host", "HTTPS://API.EXAMPLE.COM/v1/Votes", "https://api.example.com/v1/Votes", false},
		{"default https port stripped", "https://api.example.com:443/v1", "https://api.example.com/v1", false},
		{"default http port stripped", "http://api.example.com:80/v1", "http://api.example.com/v1", false},
		{"explicit port kept", "https://api.example.com:8443/v1", "https://api.example.com:8443/v1", false},
		{"query removed", "https://api.example.com/v1?page=2", "https://api.example.com/v1", false},
		{"fragment removed", "https://api.example.com/v1#section", "https://api.example.com/v1", false},
		{"empty path becomes slash", "https://api.example.com", "https://api.example.com/", false},
		{"path case preserved", "https://api.example.com/V1/Polls", "https://api.example.com/V1/Polls", false},
		{"empty", "", "", true},
		{"no scheme", "api.example.com/v1", "", true},
		{"no host", "https:///v1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURI(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSignerRejectsNilKey(t *testing.T) {
	_, err := NewSigner(nil)
	if err == nil {
		t.Fatal("expected error for nil key")
	}
	if CodeOf(err) != ErrCodeInvalidKeyFormat {
		t.Errorf("expected %s, got %s", ErrCodeInvalidKeyFormat, CodeOf(err))
	}
}

func TestSignerNormalizesHTU(t *testing.T) {
	signer := newTestSigner(t)

	t.Log("The htu claim is normalized at signing time")
	proof, err := signer.CreateProof("GET", "HTTPS://API.Example.com:443/v1/polls?page=2")
	if err != nil {
		t.Fatalf("failed to create proof: %v", err)
	}
	_, claims, err := DecodeProof(proof)
	if err != nil {
		t.Fatalf("failed to decode proof: %v", err)
	}
	if claims.HTU != "https://api.example.com/v1/polls" {
		t.Errorf("unexpected htu: %q", claims.HTU)
	}
}

func TestSignRequest(t *testing.T) {
	signer := newTestSigner(t)

	req, err := http.NewRequest("POST", "https://api.example.com/v1/votes", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if err := signer.SignRequest(req); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}

	proof := req.Header.Get("DPoP")
	if proof == "" {
		t.Fatal("expected DPoP header on the request")
	}
	_, claims, err := DecodeProof(proof)
	if err != nil {
		t.Fatalf("proof does not decode: %v", err)
	}
	if claims.HTM != "POST" || claims.HTU != "https://api.example.com/v1/votes" {
		t.Errorf("unexpected binding: %s %s", claims.HTM, claims.HTU)
	}
}
