package token

import (
	"context"
	"time"
)

// Token represents a server-issued credential, optionally bound to a DPoP
// key thumbprint.
type Token struct {
	ID      string
	OwnerID string

	// BoundJKT is the RFC 7638 thumbprint the token is bound to.
	// Empty for tokens issued without proof-of-possession.
	BoundJKT string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// SupersededAt is set when the token is replaced during rotation.
	// Superseded tokens are retained for lineage, never authorized again.
	SupersededAt *time.Time

	// PreviousTokenID points at the token this one replaced, forming the
	// rotation lineage chain.
	PreviousTokenID string
}

// Superseded returns true if the token has been replaced by rotation.
func (t *Token) Superseded() bool {
	return t.SupersededAt != nil
}

// Expired returns true if the token is past its expiry.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Bound returns true if the token carries a key binding.
func (t *Token) Bound() bool {
	return t.BoundJKT != ""
}

// Store persists tokens and their rotation lineage.
// Implementations must make RotateToken atomic: either the old token is
// marked superseded and the new one created, or neither happens.
type Store interface {
	// CreateToken inserts a new token row.
	CreateToken(ctx context.Context, t *Token) error

	// GetToken returns the token with the given ID, or (nil, nil) if it
	// does not exist.
	GetToken(ctx context.Context, id string) (*Token, error)

	// RotateToken atomically marks the old token superseded and creates a
	// replacement with previous_token_id set to the old token's ID. The new
	// token keeps the old token's owner and binding TTL but carries the new
	// thumbprint. Returns dpop.ErrTokenNotFound if the old token does not
	// exist or is already superseded.
	RotateToken(ctx context.Context, oldID, newID, newJKT string, now time.Time) (*Token, error)

	// Close releases store resources.
	Close() error
}
