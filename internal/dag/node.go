// Package dag implements the content-addressed, append-only node store: the
// second of the three subsystems that must agree bit-for-bit across nodes.
package dag

import (
	"sort"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// PayloadKind is the exhaustive tagged union of recognized payload kinds.
// Custom is the escape hatch for domain-specific payloads the core does not
// interpret, per the "closed union plus extension hatch" re-architecture
// note: never open string-keyed dispatch.
type PayloadKind uint8

const (
	KindProposal PayloadKind = iota
	KindVote
	KindFinalize
	KindExecute
	KindReceipt
	KindTokenTransfer
	KindCredentialIssue
	KindCredentialRevoke
	KindAnchorBundle
	KindSuccession
	KindCustom
)

func (k PayloadKind) String() string {
	switch k {
	case KindProposal:
		return "Proposal"
	case KindVote:
		return "Vote"
	case KindFinalize:
		return "Finalize"
	case KindExecute:
		return "Execute"
	case KindReceipt:
		return "Receipt"
	case KindTokenTransfer:
		return "TokenTransfer"
	case KindCredentialIssue:
		return "CredentialIssue"
	case KindCredentialRevoke:
		return "CredentialRevoke"
	case KindAnchorBundle:
		return "AnchorBundle"
	case KindSuccession:
		return "Succession"
	case KindCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Payload is the tagged union carried by a DAG node. Data holds the
// canonical encoding of the kind-specific body; for Custom it is opaque
// bytes tagged by CustomTag.
type Payload struct {
	Kind      PayloadKind
	CustomTag string
	Data      []byte
}

func encodePayload(w *codec.Writer, p Payload) {
	w.PutByte(byte(p.Kind))
	w.PutString(p.CustomTag)
	w.PutBytes(p.Data)
}

func decodePayload(r *codec.Reader) (Payload, error) {
	kb, err := r.Byte()
	if err != nil {
		return Payload{}, err
	}
	tag, err := r.String()
	if err != nil {
		return Payload{}, err
	}
	data, err := r.Bytes()
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadKind(kb), CustomTag: tag, Data: data}, nil
}

// Node is a single entry in the DAG: payload, ordered deduplicated parent
// CIDs, issuer identity, monotonic-per-issuer UTC timestamp, signature over
// the canonical encoding of the preceding fields, and metadata excluded from
// the CID so local tagging never changes identity.
type Node struct {
	Payload   Payload
	Parents   []codec.CID
	Issuer    identity.DID
	Timestamp time.Time
	Signature []byte
	Metadata  map[string]string
}

// dedupeParents removes duplicate parent CIDs, preserving the first
// occurrence's order as required by spec.md §3. Self-references are not
// checked here; Store.Put rejects them.
func dedupeParents(parents []codec.CID) []codec.CID {
	seen := make(map[string]struct{}, len(parents))
	out := make([]codec.CID, 0, len(parents))
	for _, p := range parents {
		key := string(p.Bytes())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// encodeSignedFields writes the canonical bytes signed by the issuer:
// payload, parents, issuer, timestamp. Metadata and the signature itself
// are excluded, matching the (payload, parents, issuer, timestamp,
// signature) → CID rule with metadata carved out.
func encodeSignedFields(w *codec.Writer, n Node) {
	encodePayload(w, n.Payload)
	parentElems := make([][]byte, len(n.Parents))
	for i, p := range n.Parents {
		pw := codec.NewWriter()
		pw.PutBytes(p.Bytes())
		parentElems[i] = pw.Bytes()
	}
	w.PutSequence(parentElems)
	w.PutString(string(n.Issuer))
	w.PutUint64(uint64(n.Timestamp.UTC().UnixNano()))
}

// SigningBytes returns the canonical bytes a signer signs over: everything
// but the signature itself.
func SigningBytes(n Node) []byte {
	w := codec.NewWriter()
	encodeSignedFields(w, n)
	return w.Bytes()
}

// CanonicalBytes returns the canonical (payload, parents, issuer, timestamp,
// signature) encoding whose hash is the node's CID. Metadata is never part
// of this encoding.
func CanonicalBytes(n Node) []byte {
	w := codec.NewWriter()
	encodeSignedFields(w, n)
	w.PutBytes(n.Signature)
	return w.Bytes()
}

// ComputeCID hashes the canonical encoding of n under alg.
func ComputeCID(alg codec.HashAlg, n Node) codec.CID {
	return codec.Sum(alg, CanonicalBytes(n))
}

// New constructs a node with deduplicated parents and a canonicalized UTC
// timestamp. It does not sign or validate the node;
// callers use identity.Sign over SigningBytes and then Store.Put.
func New(kind PayloadKind, customTag string, data []byte, parents []codec.CID, issuer identity.DID, ts time.Time) (Node, error) {
	deduped := dedupeParents(parents)
	n := Node{
		Payload:   Payload{Kind: kind, CustomTag: customTag, Data: data},
		Parents:   deduped,
		Issuer:    issuer,
		Timestamp: ts.UTC(),
		Metadata:  map[string]string{},
	}
	return n, nil
}

// sortCIDs sorts CIDs lexicographically by their byte encoding, the order
// required before feeding leaves into the epoch merkle root (spec.md §4.C).
func sortCIDs(cids []codec.CID) []codec.CID {
	out := append([]codec.CID(nil), cids...)
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Bytes()) < string(out[j].Bytes())
	})
	return out
}

// validateParents rejects a self-referencing parent list; the caller still
// checks each CID against c itself when c is already known (e.g. after
// computing the node's own CID).
func validateParents(parents []codec.CID, self codec.CID) error {
	for _, p := range parents {
		if string(p.Bytes()) == string(self.Bytes()) {
			return errs.New(errs.MalformedEncoding, "node references itself as a parent")
		}
	}
	return nil
}
