package token

import (
	"context"
	"time"

	"github.com/choices-project/dpop-go/pkg/dpop"
)

// Validator is the binding enforcement point: at resource-access time it
// re-verifies the presented proof and checks that the proof's key matches
// the key recorded on the token.
//
// It satisfies dpop.BindingValidator, so it plugs straight into the auth
// middleware.
type Validator struct {
	verifier *dpop.Verifier
	store    Store
}

// NewValidator creates a binding validator over the given verifier and
// token store.
func NewValidator(verifier *dpop.Verifier, store Store) *Validator {
	return &Validator{verifier: verifier, store: store}
}

// ValidateBinding verifies the proof against the request context, then
// compares the verified thumbprint to the token's stored binding.
//
// Rejections, in order of detection:
//   - any proof rejection from the verifier, propagated unchanged
//   - token.not_found if the token does not exist, is superseded, or expired
//   - token.not_bound_to_key if the token is bound to a different thumbprint
//
// Tokens with no binding requirement pass the binding check.
func (v *Validator) ValidateBinding(ctx context.Context, tokenID, proof, method, uri string, now time.Time, nonce dpop.NonceExpectation) (*dpop.Credential, error) {
	result, err := v.verifier.VerifyProof(ctx, proof, method, uri, now, nonce)
	if err != nil {
		return nil, err
	}

	tok, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Superseded() || tok.Expired(now) {
		return nil, dpop.ErrTokenNotFound()
	}

	if tok.Bound() && tok.BoundJKT != result.JKT {
		return nil, dpop.ErrTokenNotBound()
	}

	return &dpop.Credential{
		TokenID: tok.ID,
		OwnerID: tok.OwnerID,
		JKT:     result.JKT,
	}, nil
}

// Ensure the middleware contract is satisfied.
var _ dpop.BindingValidator = (*Validator)(nil)
