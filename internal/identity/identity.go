// Package identity implements DIDs, keypairs, and detached signatures for
// the governance runtime. Ed25519 is the minimum supported algorithm;
// secp256k1 is also supported. The signature-algorithm-whitelist
// configuration knob is not read by this package: both algorithms are
// always accepted.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"

	"governance-runtime/internal/errs"
)

// Algorithm identifies the signing scheme backing a DID's keypair.
type Algorithm string

const (
	AlgEd25519    Algorithm = "ed25519"
	AlgSecp256k1  Algorithm = "secp256k1"
	methodDefault           = "gov"
)

// Scope tags which kinds of actions an identity may authorize.
type Scope string

const (
	ScopeIndividual  Scope = "individual"
	ScopeCooperative Scope = "cooperative"
	ScopeCommunity   Scope = "community"
	ScopeFederation  Scope = "federation"
)

// DID is a participant identifier of the form did:<method>:<method-specific-id>.
type DID string

// Secret is immutable, opaque key material for a single identity. The
// node's operator key is persisted to a local keyfile by internal/node.
type Secret struct {
	Algorithm Algorithm
	Ed25519   ed25519.PrivateKey
	Secp256k1 *secp256k1.PrivateKey
}

// PublicKey is the registered, verifiable half of an identity's keypair.
type PublicKey struct {
	Algorithm Algorithm
	Ed25519   ed25519.PublicKey
	Secp256k1 *secp256k1.PublicKey
}

// Record is a registered identity: its public key, scope, and the time it
// was registered. Key material is immutable once assigned; rotation is
// modeled by a Succession DAG node linking to a new identity, not by
// mutating this record.
type Record struct {
	DID         DID
	Scope       Scope
	PublicKey   PublicKey
	RegisteredAt time.Time
}

// Generate creates a fresh keypair under algorithm and a DID derived from a
// random method-specific id, matching the teacher's uuid-based id
// generation (core/dao_proposal.go uses google/uuid for proposal ids; we
// reuse it here for DID ids).
func Generate(alg Algorithm) (DID, Secret, error) {
	id := uuid.New().String()
	did := DID(fmt.Sprintf("did:%s:%s", methodDefault, id))

	switch alg {
	case AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", Secret{}, errs.Wrap(errs.InternalError, "generate ed25519 key", err)
		}
		_ = pub
		return did, Secret{Algorithm: AlgEd25519, Ed25519: priv}, nil
	case AlgSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return "", Secret{}, errs.Wrap(errs.InternalError, "generate secp256k1 key", err)
		}
		return did, Secret{Algorithm: AlgSecp256k1, Secp256k1: priv}, nil
	default:
		return "", Secret{}, errs.New(errs.MalformedEncoding, "unsupported algorithm "+string(alg))
	}
}

// PublicKeyOf derives the public half of a secret.
func PublicKeyOf(s Secret) PublicKey {
	switch s.Algorithm {
	case AlgEd25519:
		return PublicKey{Algorithm: AlgEd25519, Ed25519: s.Ed25519.Public().(ed25519.PublicKey)}
	case AlgSecp256k1:
		return PublicKey{Algorithm: AlgSecp256k1, Secp256k1: s.Secp256k1.PubKey()}
	default:
		return PublicKey{}
	}
}

// Sign produces a detached signature over bytes using secret.
func Sign(secret Secret, msg []byte) ([]byte, error) {
	switch secret.Algorithm {
	case AlgEd25519:
		if secret.Ed25519 == nil {
			return nil, errs.New(errs.InvalidSignature, "missing ed25519 key material")
		}
		return ed25519.Sign(secret.Ed25519, msg), nil
	case AlgSecp256k1:
		if secret.Secp256k1 == nil {
			return nil, errs.New(errs.InvalidSignature, "missing secp256k1 key material")
		}
		digest := digestFor(msg)
		sig := ecdsa.Sign(secret.Secp256k1, digest)
		return sig.Serialize(), nil
	default:
		return nil, errs.New(errs.MalformedEncoding, "unsupported algorithm "+string(secret.Algorithm))
	}
}

// verifyWithKey checks sig over msg against pub. It never panics: malformed
// signatures or keys simply verify false.
func verifyWithKey(pub PublicKey, msg, sig []byte) bool {
	defer func() { recover() }() //nolint: errcheck // library panics on malformed input must degrade to false
	switch pub.Algorithm {
	case AlgEd25519:
		if pub.Ed25519 == nil || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(pub.Ed25519, msg, sig)
	case AlgSecp256k1:
		if pub.Secp256k1 == nil {
			return false
		}
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return parsed.Verify(digestFor(msg), pub.Secp256k1)
	default:
		return false
	}
}

func digestFor(msg []byte) []byte {
	// secp256k1/ecdsa operates over a fixed-size digest; hashing keeps the
	// signing path decoupled from message length the same way Sign(ed25519)
	// already is.
	h := sha256.Sum256(msg)
	return h[:]
}

// Registry is the mutable (DID -> current key) index. It is read-mostly;
// writes (registration, credential issuance/revocation) are serialized
// globally because they affect future signature verification semantics.
type Registry struct {
	mu      sync.RWMutex
	records map[DID]Record
	revoked map[string]struct{} // credential id -> revoked
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[DID]Record),
		revoked: make(map[string]struct{}),
	}
}

// Register populates the registry with a DID's public key and scope. The
// registry is itself populated by CredentialIssue DAG nodes in the caller;
// this is the low-level primitive they invoke.
func (r *Registry) Register(did DID, pub PublicKey, scope Scope, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[did]; exists {
		return errs.New(errs.PolicyViolation, "identity already registered: "+string(did))
	}
	r.records[did] = Record{DID: did, Scope: scope, PublicKey: pub, RegisteredAt: at}
	return nil
}

// Lookup returns the registered record for did, if any.
func (r *Registry) Lookup(did DID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[did]
	return rec, ok
}

// Verify checks a detached signature against the key registered for did.
// It returns false on any decode, unknown-DID, or algorithm mismatch; it
// never returns an error, matching spec.md §4.B.
func (r *Registry) Verify(did DID, msg, sig []byte) bool {
	rec, ok := r.Lookup(did)
	if !ok {
		return false
	}
	return verifyWithKey(rec.PublicKey, msg, sig)
}

// MarkCredentialRevoked records that a credential id has been revoked,
// invoked when a CredentialRevoke DAG node is applied.
func (r *Registry) MarkCredentialRevoked(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[credentialID] = struct{}{}
}

// IsCredentialRevoked reports whether a CredentialRevoke node has been
// observed for credentialID in this node's local DAG view.
func (r *Registry) IsCredentialRevoked(credentialID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[credentialID]
	return ok
}
