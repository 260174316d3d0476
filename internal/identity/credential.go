package identity

import "time"

// DisclosurePolicy is an opaque selective-disclosure policy tag. Its
// semantics are implementation-defined (spec.md Open Questions); the
// runtime only carries and verifies the tag, never interprets it.
type DisclosurePolicy string

// Credential is the payload encoded by a CredentialIssue DAG node.
type Credential struct {
	ID          string
	Issuer      DID
	Subject     DID
	Type        string
	Claims      []byte
	ValidFrom   time.Time
	ValidUntil  time.Time
	Disclosure  DisclosurePolicy
}

// Valid reports whether the credential's validity window contains at.
func (c Credential) Valid(at time.Time) bool {
	return !at.Before(c.ValidFrom) && at.Before(c.ValidUntil)
}

// VerifyCredential is the offline verification procedure from spec.md
// §4.B: signature (checked by the caller against the canonical encoding of
// the credential before this is invoked), issuer-at-timestamp, and absence
// of a matching CredentialRevoke node in the verifier's local DAG view.
func VerifyCredential(reg *Registry, cred Credential, at time.Time) bool {
	if !cred.Valid(at) {
		return false
	}
	if reg.IsCredentialRevoked(cred.ID) {
		return false
	}
	rec, issuerKnown := reg.Lookup(cred.Issuer)
	return issuerKnown && !at.Before(rec.RegisteredAt)
}
