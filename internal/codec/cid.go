package codec

import (
	"crypto/sha256"
	"fmt"

	cidpkg "github.com/ipfs/go-cid"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"governance-runtime/internal/errs"
)

// HashAlg is the one-byte multihash-agile identifier carried in a CID so the
// codec can move from SHA-256 to BLAKE3 without changing the CID shape.
type HashAlg byte

const (
	AlgSHA256 HashAlg = iota
	AlgBLAKE3
)

// CIDVersion is the single version this codec currently emits.
const CIDVersion = 1

// CID is the content address of a DAG node: version, hash algorithm, digest.
// It is a plain struct of its own, not a go-cid value; ToIPFSCid and
// ToMultihash convert it to github.com/ipfs/go-cid's multihash-based CID
// for the wire type libp2p understands.
type CID struct {
	Version byte
	Alg     HashAlg
	Digest  []byte
}

// Sum hashes canonical bytes under the requested algorithm and returns the
// resulting CID.
func Sum(alg HashAlg, data []byte) CID {
	var digest []byte
	switch alg {
	case AlgBLAKE3:
		sum := blake3.Sum256(data)
		digest = sum[:]
	default:
		sum := sha256.Sum256(data)
		digest = sum[:]
	}
	return CID{Version: CIDVersion, Alg: alg, Digest: digest}
}

// Bytes returns the raw <version><hash-alg><digest> encoding used for
// equality, map keys, and persistence.
func (c CID) Bytes() []byte {
	out := make([]byte, 2+len(c.Digest))
	out[0] = c.Version
	out[1] = byte(c.Alg)
	copy(out[2:], c.Digest)
	return out
}

// String renders the CID as a multibase-encoded string for logs, REST
// responses, and the CLI.
func (c CID) String() string {
	s, err := mb.Encode(mb.Base32, c.Bytes())
	if err != nil {
		return fmt.Sprintf("cid(invalid:%x)", c.Digest)
	}
	return s
}

// IsZero reports whether c is the zero value (used to detect "no parent").
func (c CID) IsZero() bool { return len(c.Digest) == 0 }

// ParseCID decodes a CID previously produced by String.
func ParseCID(s string) (CID, error) {
	_, data, err := mb.Decode(s)
	if err != nil {
		return CID{}, errs.Wrap(errs.MalformedEncoding, "decode multibase cid", err)
	}
	if len(data) < 2 {
		return CID{}, errs.New(errs.MalformedEncoding, "cid too short")
	}
	return CID{Version: data[0], Alg: HashAlg(data[1]), Digest: append([]byte(nil), data[2:]...)}, nil
}

// multihashCode maps our algorithm-agile tag to the standard multiformats
// code, so blobs pinned through the federation layer resolve to the same
// multihash.Multihash type libp2p's DHT already speaks.
func multihashCode(alg HashAlg) uint64 {
	if alg == AlgBLAKE3 {
		return mh.BLAKE3
	}
	return mh.SHA2_256
}

// ToMultihash converts the CID's digest into a multiformats multihash for
// use with the federation layer's provider-record announcements.
func (c CID) ToMultihash() (mh.Multihash, error) {
	return mh.Encode(c.Digest, multihashCode(c.Alg))
}

// ToIPFSCid converts to github.com/ipfs/go-cid's CID type so blob
// replication can reuse libp2p's CID-addressed routing tables directly.
func (c CID) ToIPFSCid() (cidpkg.Cid, error) {
	h, err := c.ToMultihash()
	if err != nil {
		return cidpkg.Undef, err
	}
	return cidpkg.NewCidV1(cidpkg.Raw, h), nil
}
