package dag

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// Verifier checks a node's signature against its issuer's registered key at
// the node's timestamp. The store depends only on this narrow interface
// (never the full identity.Registry type) so the interface layer separating
// DAG storage from identity stays thin, per the §9 re-architecture note.
type Verifier interface {
	Verify(did identity.DID, msg, sig []byte) bool
	Lookup(did identity.DID) (identity.Record, bool)
}

// record is the on-disk/WAL representation of a stored node, used only for
// JSON (de)serialization; the in-memory Node/CID types are unaffected.
type record struct {
	Node Node
	CID  []byte
}

// Config bounds the store's orphan buffer and backs it with an optional
// write-ahead log, mirroring the teacher's NewLedger/OpenLedger WAL-replay
// pattern in core/ledger.go, generalized from a block ledger to a
// content-addressed node store.
type Config struct {
	WALPath        string
	OrphanBufferCap int
	HashAlg        codec.HashAlg
}

// Store is the append-only, content-addressed DAG node store. It is
// single-writer conceptually: concurrent Put calls on distinct CIDs proceed
// in parallel and concurrent calls on the same CID are coalesced. Reads
// take the shared side of an RWMutex, so a write waits for reads already
// in progress.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	children map[string]map[string]struct{} // parent cid -> child cids
	tipSet   map[string]struct{}
	lastTS   map[identity.DID]time.Time

	orphans    map[string]Node // cid -> node waiting on missing parents
	orphanOrd  []string        // insertion order, for oldest-drop-on-overflow
	orphanCap  int

	cache  *lru.Cache[string, Node]
	verify Verifier
	hash   codec.HashAlg
	wal    *os.File

	onDropped func(cid codec.CID)
}

// NewStore constructs an empty store backed by verify for signature checks.
func NewStore(cfg Config, verify Verifier) (*Store, error) {
	if cfg.OrphanBufferCap <= 0 {
		cfg.OrphanBufferCap = 1024
	}
	cache, err := lru.New[string, Node](4096)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "allocate cid cache", err)
	}
	s := &Store{
		nodes:     make(map[string]Node),
		children:  make(map[string]map[string]struct{}),
		tipSet:    make(map[string]struct{}),
		lastTS:    make(map[identity.DID]time.Time),
		orphans:   make(map[string]Node),
		orphanCap: cfg.OrphanBufferCap,
		cache:     cache,
		verify:    verify,
		hash:      cfg.HashAlg,
	}
	if cfg.WALPath != "" {
		f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "open dag wal", err)
		}
		s.wal = f
		if err := s.replay(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// replay reloads every previously accepted node from the WAL, rebuilding
// the in-memory index from the DAG alone (the "replay equivalence"
// property).
func (s *Store) replay() error {
	if _, err := s.wal.Seek(0, 0); err != nil {
		return errs.Wrap(errs.InternalError, "seek dag wal", err)
	}
	scanner := bufio.NewScanner(s.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return errs.Wrap(errs.MalformedEncoding, "wal unmarshal", err)
		}
		if err := s.insertAccepted(rec.Node, codec.CID{Version: codec.CIDVersion}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.InternalError, "wal scan", err)
	}
	if _, err := s.wal.Seek(0, 2); err != nil {
		return errs.Wrap(errs.InternalError, "seek dag wal end", err)
	}
	return nil
}

// Put stores a node, deriving and returning its CID. Put is idempotent: a
// second Put of an already-stored CID is a no-op (DuplicateCid is never an
// error, it is coalesced). A node whose parents are not all locally
// resolved is buffered in the orphan pool and retried on every subsequent
// Put; on overflow the oldest buffered orphan is dropped and reported via
// onDropped, if set.
func (s *Store) Put(n Node) (codec.CID, error) {
	if err := s.checkMonotonic(n); err != nil {
		return codec.CID{}, err
	}
	if !s.verify.Verify(n.Issuer, SigningBytes(n), n.Signature) {
		if _, known := s.verify.Lookup(n.Issuer); !known {
			return codec.CID{}, errs.New(errs.UnknownIssuer, string(n.Issuer))
		}
		return codec.CID{}, errs.New(errs.InvalidSignature, "signature does not verify")
	}

	cid := ComputeCID(s.hash, n)
	if err := validateParents(n.Parents, cid); err != nil {
		return codec.CID{}, err
	}

	s.mu.Lock()
	if _, exists := s.nodes[string(cid.Bytes())]; exists {
		s.mu.Unlock()
		return cid, nil // idempotent: at-most-once build invariant
	}
	s.mu.Unlock()

	missing := s.missingParents(n.Parents)
	if len(missing) > 0 {
		s.bufferOrphan(cid, n)
		return cid, errs.New(errs.MissingParent, "parent not yet stored")
	}

	if err := s.insertAccepted(n, cid); err != nil {
		return codec.CID{}, err
	}
	s.commitTimestamp(n)
	s.drainOrphans()
	return cid, nil
}

func (s *Store) checkMonotonic(n Node) error {
	s.mu.RLock()
	last, ok := s.lastTS[n.Issuer]
	s.mu.RUnlock()
	if ok && !n.Timestamp.After(last) {
		return errs.New(errs.NonMonotonicIssuer, string(n.Issuer))
	}
	return nil
}

func (s *Store) commitTimestamp(n Node) {
	s.mu.Lock()
	s.lastTS[n.Issuer] = n.Timestamp
	s.mu.Unlock()
}

func (s *Store) missingParents(parents []codec.CID) []codec.CID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []codec.CID
	for _, p := range parents {
		if _, ok := s.nodes[string(p.Bytes())]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// insertAccepted records a node whose parents are all present (or this is a
// WAL replay, where acceptance order already guarantees that).
func (s *Store) insertAccepted(n Node, _ codec.CID) error {
	cid := ComputeCID(s.hash, n)
	key := string(cid.Bytes())

	s.mu.Lock()
	if _, exists := s.nodes[key]; exists {
		s.mu.Unlock()
		return nil
	}
	s.nodes[key] = n
	s.tipSet[key] = struct{}{}
	for _, p := range n.Parents {
		pkey := string(p.Bytes())
		if s.children[pkey] == nil {
			s.children[pkey] = make(map[string]struct{})
		}
		s.children[pkey][key] = struct{}{}
		delete(s.tipSet, pkey)
	}
	s.mu.Unlock()

	s.cache.Add(key, n)

	if s.wal != nil {
		raw, err := json.Marshal(record{Node: n, CID: cid.Bytes()})
		if err != nil {
			return errs.Wrap(errs.InternalError, "marshal wal record", err)
		}
		if _, err := s.wal.Write(append(raw, '\n')); err != nil {
			return errs.Wrap(errs.InternalError, "append wal", err)
		}
	}
	return nil
}

// bufferOrphan stores n awaiting its missing parents. On overflow the
// oldest buffered orphan is dropped and reported.
func (s *Store) bufferOrphan(cid codec.CID, n Node) {
	key := string(cid.Bytes())
	var droppedCID codec.CID
	dropped := false

	s.mu.Lock()
	if _, exists := s.orphans[key]; !exists {
		if len(s.orphans) >= s.orphanCap && len(s.orphanOrd) > 0 {
			oldestKey := s.orphanOrd[0]
			s.orphanOrd = s.orphanOrd[1:]
			delete(s.orphans, oldestKey)
			droppedCID = mustParseKey(oldestKey)
			dropped = true
		}
		s.orphans[key] = n
		s.orphanOrd = append(s.orphanOrd, key)
	}
	s.mu.Unlock()

	if dropped && s.onDropped != nil {
		s.onDropped(droppedCID)
	}
}

// drainOrphans retries every buffered orphan now that new parents may have
// resolved. Called after every accepted Put.
func (s *Store) drainOrphans() {
	for {
		s.mu.Lock()
		var ready []Node
		var readyKeys []string
		for key, n := range s.orphans {
			if len(s.missingParentsLocked(n.Parents)) == 0 {
				ready = append(ready, n)
				readyKeys = append(readyKeys, key)
			}
		}
		for _, key := range readyKeys {
			delete(s.orphans, key)
			for i, k := range s.orphanOrd {
				if k == key {
					s.orphanOrd = append(s.orphanOrd[:i], s.orphanOrd[i+1:]...)
					break
				}
			}
		}
		s.mu.Unlock()
		if len(ready) == 0 {
			return
		}
		for _, n := range ready {
			_ = s.insertAccepted(n, codec.CID{})
			s.commitTimestamp(n)
		}
	}
}

func (s *Store) missingParentsLocked(parents []codec.CID) []codec.CID {
	var missing []codec.CID
	for _, p := range parents {
		if _, ok := s.nodes[string(p.Bytes())]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Get returns the node stored at cid, if any.
func (s *Store) Get(cid codec.CID) (Node, bool) {
	key := string(cid.Bytes())
	if n, ok := s.cache.Get(key); ok {
		return n, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[key]
	return n, ok
}

// Tips returns the set of CIDs with no known child in the local view.
func (s *Store) Tips() []codec.CID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]codec.CID, 0, len(s.tipSet))
	for key := range s.tipSet {
		out = append(out, mustParseKey(key))
	}
	return out
}

// Children returns the CIDs of nodes directly referencing cid as a parent.
func (s *Store) Children(cid codec.CID) []codec.CID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	childSet := s.children[string(cid.Bytes())]
	out := make([]codec.CID, 0, len(childSet))
	for key := range childSet {
		out = append(out, mustParseKey(key))
	}
	return out
}

// Walk returns the CIDs reachable from roots in topological (parents
// before children) order.
func (s *Store) Walk(roots []codec.CID) []codec.CID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string]struct{})
	var order []codec.CID
	var visit func(key string)
	visit = func(key string) {
		if _, ok := visited[key]; ok {
			return
		}
		visited[key] = struct{}{}
		n, ok := s.nodes[key]
		if !ok {
			return
		}
		for _, p := range n.Parents {
			visit(string(p.Bytes()))
		}
		order = append(order, mustParseKey(key))
	}
	for _, r := range roots {
		visit(string(r.Bytes()))
	}
	return order
}

// WalkAll returns every stored CID in topological order, the basis for
// replay equivalence checks and epoch assembly.
func (s *Store) WalkAll() []codec.CID {
	return s.Walk(s.Tips())
}

// OnOrphanDropped registers a callback invoked whenever the orphan buffer
// overflows and drops the oldest entry.
func (s *Store) OnOrphanDropped(fn func(cid codec.CID)) {
	s.onDropped = fn
}

func mustParseKey(key string) codec.CID {
	b := []byte(key)
	if len(b) < 2 {
		return codec.CID{}
	}
	return codec.CID{Version: b[0], Alg: codec.HashAlg(b[1]), Digest: append([]byte(nil), b[2:]...)}
}
