// Package node wires the three coupled subsystems (engine, DAG, federation)
// plus the ledger and identity registry into the concrete capability
// adapters the engine's narrow interfaces expect, generalizing the
// teacher's Storage/diskLRU pairing (core/storage.go) from an IPFS-gateway
// blob cache to a local content-addressed store whose misses look up
// providers but fetch nothing remotely.
package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"governance-runtime/internal/capability"
	"governance-runtime/internal/codec"
	"governance-runtime/internal/engine"
	"governance-runtime/internal/errs"
)

// DiskBlobStore is a content-addressed blob cache backed by a directory of
// CID-named files plus an in-memory index, mirroring the teacher's diskLRU
// (core/storage.go) but keyed by this runtime's own CID type rather than an
// IPFS gateway round trip. A miss consults the replication transport for a
// provider with the blob, but no bytes are fetched from it, so the miss
// stands.
type DiskBlobStore struct {
	mu        sync.RWMutex
	dir       string
	index     map[string]struct{}
	hashAlg   codec.HashAlg
	transport capability.PeerTransport
}

// NewDiskBlobStore constructs a blob store rooted at dir. transport may be
// nil for a single-node deployment with no federation replication.
func NewDiskBlobStore(dir string, hashAlg codec.HashAlg, transport capability.PeerTransport) (*DiskBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.InternalError, "create blob dir", err)
	}
	s := &DiskBlobStore{dir: dir, index: make(map[string]struct{}), hashAlg: hashAlg, transport: transport}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "read blob dir", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			s.index[e.Name()] = struct{}{}
		}
	}
	return s, nil
}

func (s *DiskBlobStore) pathFor(cid codec.CID) string {
	return filepath.Join(s.dir, cid.String())
}

// Put derives data's CID and writes it if not already present, satisfying
// engine.BlobBackend (not the context-taking capability.BlobBackend). A repeated Put of the same
// bytes is a no-op, matching content-addressed idempotency.
func (s *DiskBlobStore) Put(data []byte) (codec.CID, error) {
	cid := codec.Sum(s.hashAlg, data)
	name := cid.String()

	s.mu.RLock()
	_, exists := s.index[name]
	s.mu.RUnlock()
	if exists {
		return cid, nil
	}

	if err := os.WriteFile(s.pathFor(cid), data, 0o644); err != nil {
		return codec.CID{}, errs.Wrap(errs.InternalError, "write blob", err)
	}
	s.mu.Lock()
	s.index[name] = struct{}{}
	s.mu.Unlock()
	return cid, nil
}

// Get reads cid's bytes from the local store. On a local miss it looks up
// a provider over the replication transport, but a blob held only remotely
// is still reported as a miss.
func (s *DiskBlobStore) Get(cid codec.CID) ([]byte, bool, error) {
	if b, ok := s.localGet(cid); ok {
		return b, true, nil
	}
	if s.transport == nil {
		return nil, false, nil
	}
	providers, err := s.transport.FindProviders(context.Background(), cid, 1)
	if err != nil || len(providers) == 0 {
		return nil, false, nil
	}
	// A real deployment would dial providers[0] over a blob-fetch protocol;
	// this runtime's transport interface does not yet expose one, so a
	// remote-only blob surfaces as a miss rather than fabricating bytes.
	return nil, false, nil
}

// Has reports local presence, for replication status checks.
func (s *DiskBlobStore) Has(cid codec.CID) bool {
	_, ok := s.localGet(cid)
	return ok
}

func (s *DiskBlobStore) localGet(cid codec.CID) ([]byte, bool) {
	name := cid.String()
	s.mu.RLock()
	_, exists := s.index[name]
	s.mu.RUnlock()
	if !exists {
		return nil, false
	}
	data, err := os.ReadFile(s.pathFor(cid))
	if err != nil {
		return nil, false
	}
	return data, true
}

var _ engine.BlobBackend = (*DiskBlobStore)(nil)

// ScopedKV is an in-memory (scope, key) -> value store backing the engine's
// StorageBackend. Entries are namespaced per caller DID (scope) so one
// identity's invocation state never leaks into another's, matching the
// teacher's address-prefixed key convention (core/storage.go's
// "storage:listing:%s" keys generalized to an explicit scope parameter).
type ScopedKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewScopedKV() *ScopedKV {
	return &ScopedKV{data: make(map[string][]byte)}
}

func scopedKey(scope string, key []byte) string {
	return scope + "\x00" + string(key)
}

func (k *ScopedKV) Get(scope string, key []byte) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[scopedKey(scope, key)]
	return v, ok
}

func (k *ScopedKV) Put(scope string, key, value []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[scopedKey(scope, key)] = append([]byte(nil), value...)
}
