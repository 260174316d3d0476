package dag

import (
	"crypto/sha256"

	"governance-runtime/internal/codec"
)

// EpochMerkleRoot computes the SHA-256 binary merkle root over the CIDs
// sorted by their byte encoding, duplicating the last element at odd
// levels. Each leaf is the SHA-256 of a CID's full byte encoding (version,
// algorithm and digest). This follows the teacher's
// core/merkle_tree_operations.go BuildMerkleTree, with CIDs as the leaves.
func EpochMerkleRoot(cids []codec.CID) [32]byte {
	if len(cids) == 0 {
		return [32]byte{}
	}
	sorted := sortCIDs(cids)
	level := make([][32]byte, len(sorted))
	for i, c := range sorted {
		level[i] = sha256.Sum256(c.Bytes())
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
			next[i/2] = sha256.Sum256(pair)
		}
		level = next
	}
	return level[0]
}

// MerkleProof returns an inclusion proof for the CID at index within cids,
// plus the computed root, mirroring the teacher's MerkleProof but over
// hashed CID leaves rather than arbitrary leaf bytes.
func MerkleProof(cids []codec.CID, index int) ([][32]byte, [32]byte, error) {
	sorted := sortCIDs(cids)
	if index < 0 || index >= len(sorted) {
		return nil, [32]byte{}, errNotFoundIndex
	}
	level := make([][32]byte, len(sorted))
	for i, c := range sorted {
		level[i] = sha256.Sum256(c.Bytes())
	}
	var proof [][32]byte
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if idx%2 == 0 {
			proof = append(proof, level[idx+1])
		} else {
			proof = append(proof, level[idx-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte(nil), level[i][:]...), level[i+1][:]...)
			next[i/2] = sha256.Sum256(pair)
		}
		level = next
		idx /= 2
	}
	return proof, level[0], nil
}

// VerifyMerklePath checks that proof reconstructs root for the CID at the
// given index, mirroring the teacher's VerifyMerklePath.
func VerifyMerklePath(root [32]byte, c codec.CID, proof [][32]byte, index int) bool {
	h := sha256.Sum256(c.Bytes())
	hash := h[:]
	idx := index
	for _, p := range proof {
		var pair []byte
		if idx%2 == 0 {
			pair = append(append([]byte(nil), hash...), p[:]...)
		} else {
			pair = append(append([]byte(nil), p[:]...), hash...)
		}
		sum := sha256.Sum256(pair)
		hash = sum[:]
		idx /= 2
	}
	return [32]byte(hash) == root
}

var errNotFoundIndex = indexOutOfRange{}

type indexOutOfRange struct{}

func (indexOutOfRange) Error() string { return "merkle leaf index out of range" }
