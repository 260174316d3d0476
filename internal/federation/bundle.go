package federation

import (
	"sort"
	"sync"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
)

// TrustBundle is the unit of federation agreement: which guardians a
// federation trusts at a given epoch, and the DAG root they have jointly
// attested as the canonical state as of that epoch.
type TrustBundle struct {
	Epoch             uint64
	FederationID      string
	PreviousBundleCID codec.CID
	DAGRoot           codec.CID
	Signatures        map[identity.DID][]byte
}

// signingBytes is the canonical encoding every guardian signs: every field
// except Signatures itself. It holds no signer data, so every guardian
// signs byte-identical bytes.
func (b TrustBundle) signingBytes() []byte {
	w := codec.NewWriter()
	w.PutUint64(b.Epoch)
	w.PutString(b.FederationID)
	w.PutBytes(b.PreviousBundleCID.Bytes())
	w.PutBytes(b.DAGRoot.Bytes())
	return w.Bytes()
}

func (b TrustBundle) sortedSigners() []identity.DID {
	signers := make([]identity.DID, 0, len(b.Signatures))
	for did := range b.Signatures {
		signers = append(signers, did)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })
	return signers
}

// CID is the bundle's content address: the signing bytes plus every
// (signer, signature) pair in sorted-DID order, so the wire encoding is
// deterministic across nodes regardless of signature collection order.
func (b TrustBundle) CID() codec.CID {
	w := codec.NewWriter()
	w.PutBytes(b.signingBytes())
	signers := b.sortedSigners()
	elems := make([][]byte, len(signers))
	for i, did := range signers {
		ew := codec.NewWriter()
		ew.PutString(string(did))
		ew.PutBytes(b.Signatures[did])
		elems[i] = ew.Bytes()
	}
	w.PutSequence(elems)
	return codec.Sum(codec.AlgSHA256, w.Bytes())
}

// Sign adds this node's signature over the bundle's signing bytes.
func (b *TrustBundle) Sign(signer identity.DID, secret identity.Secret) error {
	sig, err := identity.Sign(secret, b.signingBytes())
	if err != nil {
		return errs.Wrap(errs.InvalidSignature, "sign trust bundle", err)
	}
	if b.Signatures == nil {
		b.Signatures = make(map[identity.DID][]byte)
	}
	b.Signatures[signer] = sig
	return nil
}

// GuardianSet is the roster eligible to sign bundles for a federation at a
// given epoch. Guardian sets are themselves anchored as DAG nodes
// (identity registration + federation-membership credentials); this type
// is the resolved view a node uses to check a bundle's signatures.
type GuardianSet struct {
	Guardians map[identity.DID]struct{}
}

func (g GuardianSet) contains(did identity.DID) bool {
	_, ok := g.Guardians[did]
	return ok
}

// Tally counts how many of a bundle's signatures are from guardians in g
// and verify under the registry, returning a governance.Tally suitable for
// QuorumRule.Approved. Signatures from non-guardians are ignored. Every
// guardian in g without a valid signature, whether it did not sign or its
// signature fails to verify, is counted against.
func (b TrustBundle) Tally(reg *identity.Registry, g GuardianSet) governance.Tally {
	signing := b.signingBytes()
	var valid uint64
	for did, sig := range b.Signatures {
		if !g.contains(did) {
			continue
		}
		if reg.Verify(did, signing, sig) {
			valid++
		}
	}
	total := uint64(len(g.Guardians))
	against := uint64(0)
	if total > valid {
		against = total - valid
	}
	return governance.Tally{For: valid, Against: against}
}

// Accepted reports whether b carries enough valid guardian signatures
// under rule to be accepted.
func (b TrustBundle) Accepted(reg *identity.Registry, g GuardianSet, rule governance.QuorumRule) bool {
	return rule.Approved(b.Tally(reg, g))
}

// Ledger tracks accepted bundles per federation, the chain linkage required
// by PreviousBundleCID, and detects forks: two quorum-signed bundles at the
// same epoch with different dag_root values.
type Ledger struct {
	mu        sync.RWMutex
	accepted  map[string]map[uint64]TrustBundle // federation id -> epoch -> bundle
	byCID     map[string]TrustBundle            // cid bytes -> bundle
}

func NewLedger() *Ledger {
	return &Ledger{
		accepted: make(map[string]map[uint64]TrustBundle),
		byCID:    make(map[string]TrustBundle),
	}
}

// ForkError is returned by Accept when a second quorum-signed bundle for an
// epoch already holding an accepted bundle carries a different dag_root.
type ForkError struct {
	Epoch      uint64
	ExistingRoot codec.CID
	IncomingRoot codec.CID
}

func (e *ForkError) Error() string {
	return "bundle fork at epoch"
}

// Accept validates and records a trust bundle: quorum must hold under rule,
// and (unless this is the federation's genesis bundle) PreviousBundleCID
// must resolve to a bundle already accepted for an earlier epoch. A second quorum-signed bundle at an already-settled epoch with a
// different dag_root is reported as a fork rather than silently replacing
// the prior acceptance.
func (l *Ledger) Accept(b TrustBundle, reg *identity.Registry, g GuardianSet, rule governance.QuorumRule) error {
	if !b.Accepted(reg, g, rule) {
		return errs.New(errs.QuorumNotMet, "trust bundle lacks guardian quorum")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !b.PreviousBundleCID.IsZero() {
		prev, ok := l.byCID[string(b.PreviousBundleCID.Bytes())]
		if !ok {
			return errs.New(errs.MissingParent, "previous trust bundle not yet accepted")
		}
		if prev.Epoch >= b.Epoch {
			return errs.New(errs.PolicyViolation, "previous trust bundle is not from an earlier epoch")
		}
	}

	epochs, ok := l.accepted[b.FederationID]
	if !ok {
		epochs = make(map[uint64]TrustBundle)
		l.accepted[b.FederationID] = epochs
	}
	if existing, ok := epochs[b.Epoch]; ok {
		if existing.DAGRoot.String() != b.DAGRoot.String() {
			return &ForkError{Epoch: b.Epoch, ExistingRoot: existing.DAGRoot, IncomingRoot: b.DAGRoot}
		}
		return nil // identical re-announcement, idempotent
	}

	epochs[b.Epoch] = b
	l.byCID[string(b.CID().Bytes())] = b
	return nil
}

// Latest returns the highest-epoch accepted bundle for a federation.
func (l *Ledger) Latest(federationID string) (TrustBundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	epochs, ok := l.accepted[federationID]
	if !ok || len(epochs) == 0 {
		return TrustBundle{}, false
	}
	var best uint64
	first := true
	for epoch := range epochs {
		if first || epoch > best {
			best = epoch
			first = false
		}
	}
	return epochs[best], true
}

// AtEpoch returns the accepted bundle for a federation at a specific epoch.
func (l *Ledger) AtEpoch(federationID string, epoch uint64) (TrustBundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	epochs, ok := l.accepted[federationID]
	if !ok {
		return TrustBundle{}, false
	}
	b, ok := epochs[epoch]
	return b, ok
}
