package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choices-project/dpop-go/pkg/dpop"
)

func newProofSigner(t *testing.T) *dpop.Signer {
	t.Helper()
	key, err := dpop.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := dpop.NewSigner(key)
	require.NoError(t, err)
	return signer
}

func newTestValidator(t *testing.T) (*Validator, *SQLiteStore, *Binder) {
	t.Helper()
	store := newTestStore(t)
	verifier := dpop.NewVerifier(dpop.DefaultVerifierConfig(), store)
	return NewValidator(verifier, store), store, NewBinder(store)
}

func TestValidateBindingSuccess(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	tok, err := binder.IssueBound(ctx, "owner-1", signer.Thumbprint(), time.Hour)
	require.NoError(t, err)

	uri := "https://api.example.com/v1/votes"
	proof, err := signer.CreateProof("POST", uri)
	require.NoError(t, err)

	cred, err := validator.ValidateBinding(ctx, tok.ID, proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.NoError(t, err)
	assert.Equal(t, tok.ID, cred.TokenID)
	assert.Equal(t, "owner-1", cred.OwnerID)
	assert.Equal(t, signer.Thumbprint(), cred.JKT)
}

func TestValidateBindingWrongKey(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	boundSigner := newProofSigner(t)
	otherSigner := newProofSigner(t)
	ctx := context.Background()

	tok, err := binder.IssueBound(ctx, "owner-1", boundSigner.Thumbprint(), time.Hour)
	require.NoError(t, err)

	uri := "https://api.example.com/v1/votes"
	proof, err := otherSigner.CreateProof("POST", uri)
	require.NoError(t, err)

	_, err = validator.ValidateBinding(ctx, tok.ID, proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.Error(t, err, "a valid proof from the wrong key must be rejected")
	assert.Equal(t, dpop.ErrCodeTokenNotBound, dpop.CodeOf(err))
}

func TestValidateBindingUnknownToken(t *testing.T) {
	validator, _, _ := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	uri := "https://api.example.com/v1/votes"
	proof, err := signer.CreateProof("POST", uri)
	require.NoError(t, err)

	_, err = validator.ValidateBinding(ctx, "no-such-token", proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.Error(t, err)
	assert.Equal(t, dpop.ErrCodeTokenNotFound, dpop.CodeOf(err))
}

func TestValidateBindingSupersededToken(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	tok, err := binder.IssueBound(ctx, "owner-1", signer.Thumbprint(), time.Hour)
	require.NoError(t, err)
	_, err = binder.Rotate(ctx, tok.ID, signer.Thumbprint())
	require.NoError(t, err)

	uri := "https://api.example.com/v1/votes"
	proof, err := signer.CreateProof("POST", uri)
	require.NoError(t, err)

	_, err = validator.ValidateBinding(ctx, tok.ID, proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.Error(t, err, "a superseded token must never authorize again")
	assert.Equal(t, dpop.ErrCodeTokenNotFound, dpop.CodeOf(err))
}

func TestValidateBindingExpiredToken(t *testing.T) {
	validator, _, _ := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	store := validator.store
	issued := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateToken(ctx, &Token{
		ID: "stale-tok", OwnerID: "o", BoundJKT: signer.Thumbprint(),
		IssuedAt: issued, ExpiresAt: issued.Add(time.Hour),
	}))

	uri := "https://api.example.com/v1/votes"
	proof, err := signer.CreateProof("POST", uri)
	require.NoError(t, err)

	_, err = validator.ValidateBinding(ctx, "stale-tok", proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.Error(t, err)
	assert.Equal(t, dpop.ErrCodeTokenNotFound, dpop.CodeOf(err))
}

func TestValidateBindingUnboundTokenPasses(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	tok, err := binder.IssueBound(ctx, "owner-1", "", time.Hour)
	require.NoError(t, err)

	uri := "https://api.example.com/v1/votes"
	proof, err := signer.CreateProof("POST", uri)
	require.NoError(t, err)

	cred, err := validator.ValidateBinding(ctx, tok.ID, proof, "POST", uri, time.Now(), dpop.NoNonce())
	require.NoError(t, err, "a token without a binding accepts any valid proof")
	assert.Equal(t, signer.Thumbprint(), cred.JKT)
}

func TestValidateBindingProofRejectionPropagates(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	signer := newProofSigner(t)
	ctx := context.Background()

	tok, err := binder.IssueBound(ctx, "owner-1", signer.Thumbprint(), time.Hour)
	require.NoError(t, err)

	proof, err := signer.CreateProof("POST", "https://api.example.com/v1/votes")
	require.NoError(t, err)

	_, err = validator.ValidateBinding(ctx, tok.ID, proof, "DELETE", "https://api.example.com/v1/votes", time.Now(), dpop.NoNonce())
	require.Error(t, err, "proof verification runs before the token lookup")
	assert.Equal(t, dpop.ErrCodeRequestMismatch, dpop.CodeOf(err))
}

// The full lifecycle: issue a token bound to key P1, use it with a fresh
// proof, replay that proof, then rotate to key P2 and confirm the old
// binding and the old token are both dead.
func TestBindingLifecycle(t *testing.T) {
	validator, _, binder := newTestValidator(t)
	ctx := context.Background()

	p1 := newProofSigner(t)
	p2 := newProofSigner(t)
	uri := "https://api.example.com/v1/votes"

	t1, err := binder.IssueBound(ctx, "owner-1", p1.Thumbprint(), time.Hour)
	require.NoError(t, err)

	proof1, err := p1.CreateProof("POST", uri)
	require.NoError(t, err)
	cred, err := validator.ValidateBinding(ctx, t1.ID, proof1, "POST", uri, time.Now(), dpop.NoNonce())
	require.NoError(t, err, "first use with the bound key authorizes")
	assert.Equal(t, p1.Thumbprint(), cred.JKT)

	_, err = validator.ValidateBinding(ctx, t1.ID, proof1, "POST", uri, time.Now(), dpop.NoNonce())
	assert.Equal(t, dpop.ErrCodeReplay, dpop.CodeOf(err), "replaying the same proof is rejected")

	t2, err := binder.Rotate(ctx, t1.ID, p2.Thumbprint())
	require.NoError(t, err)

	proof1b, err := p1.CreateProof("POST", uri)
	require.NoError(t, err)
	_, err = validator.ValidateBinding(ctx, t2.ID, proof1b, "POST", uri, time.Now(), dpop.NoNonce())
	assert.Equal(t, dpop.ErrCodeTokenNotBound, dpop.CodeOf(err), "the old key no longer matches after rotation")

	proof2, err := p2.CreateProof("POST", uri)
	require.NoError(t, err)
	cred2, err := validator.ValidateBinding(ctx, t2.ID, proof2, "POST", uri, time.Now(), dpop.NoNonce())
	require.NoError(t, err, "the new key authorizes against the rotated token")
	assert.Equal(t, p2.Thumbprint(), cred2.JKT)

	proof1c, err := p1.CreateProof("POST", uri)
	require.NoError(t, err)
	_, err = validator.ValidateBinding(ctx, t1.ID, proof1c, "POST", uri, time.Now(), dpop.NoNonce())
	assert.Equal(t, dpop.ErrCodeTokenNotFound, dpop.CodeOf(err), "the superseded token is dead")
}
