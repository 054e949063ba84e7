package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Binder issues tokens bound to a key thumbprint and rotates them while
// preserving lineage.
type Binder struct {
	store Store

	// now is injectable for tests.
	now func() time.Time
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) BinderOption {
	return func(b *Binder) {
		b.now = now
	}
}

// NewBinder creates a Binder over the given store.
func NewBinder(store Store, opts ...BinderOption) *Binder {
	b := &Binder{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IssueBound creates a new token for the owner, bound to the given key
// thumbprint, expiring after ttl. Pass an empty jkt to issue a token
// without proof-of-possession binding.
//
// The jkt must come from a verified proof (the Verifier's Result), never
// from an unverified claim.
func (b *Binder) IssueBound(ctx context.Context, ownerID, jkt string, ttl time.Duration) (*Token, error) {
	now := b.now().UTC()
	t := &Token{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		BoundJKT:  jkt,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := b.store.CreateToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Rotate replaces the token with a new one bound to newJkt. The old token
// is marked superseded (retained for lineage and audit, not deleted), and
// the new token's previous_token_id points at it.
//
// Returns dpop.ErrTokenNotFound if the old token does not exist or has
// already been superseded.
func (b *Binder) Rotate(ctx context.Context, oldID, newJkt string) (*Token, error) {
	return b.store.RotateToken(ctx, oldID, uuid.New().String(), newJkt, b.now().UTC())
}
