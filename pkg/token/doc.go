// Package token manages server-issued credentials bound to DPoP keys.
//
// A token is bound to a key thumbprint (jkt) at issuance and is only
// accepted when presented together with a valid, unreplayed proof from the
// same key. Rotation creates a new token that points back at the one it
// superseded, preserving lineage for audit and revocation; superseded
// tokens are retained, never deleted.
//
// The SQLite store also serves as a durable dpop.ReplayGuard for
// single-node deployments, using a unique-constraint insert as the atomic
// check-and-record step.
package token
