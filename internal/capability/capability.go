// Package capability declares the external capabilities a node depends on
// but does not implement itself: secret storage, time, peer transport, and
// blob storage. Every subsystem that needs one of these takes it as an
// explicit constructor argument — nothing in this runtime reaches for
// ambient global state, matching the §9 re-architecture note.
package capability

import (
	"context"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/identity"
)

// KeyStore holds a node operator's signing secrets. Implementations may be
// backed by an OS keychain, an HSM, or (for tests and local development) an
// in-memory map; the runtime never assumes which.
type KeyStore interface {
	GetSecret(ctx context.Context, did identity.DID) (identity.Secret, error)
	PutSecret(ctx context.Context, did identity.DID, secret identity.Secret) error
}

// Clock is the single source of wall-clock time a node consults. Tests
// supply a fixed or stepped Clock so DAG timestamp/monotonicity checks and
// proposal-window logic are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, a thin wrapper over time.Now so
// call sites never reach for the time package directly.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// PeerRecord identifies a federation peer reachable over the transport.
type PeerRecord struct {
	PeerID    string
	Addresses []string
}

// PeerTransport is the capability the federation package uses to exchange
// trust bundles and blobs with other nodes. A concrete implementation
// wraps go-libp2p/go-libp2p-pubsub; internal/federation/transport.go is the
// only file permitted to import libp2p types outside of this interface.
type PeerTransport interface {
	Send(ctx context.Context, peer PeerRecord, topic string, payload []byte) error
	Receive(ctx context.Context, topic string) (<-chan []byte, error)
	AnnounceProvider(ctx context.Context, cid codec.CID) error
	FindProviders(ctx context.Context, cid codec.CID, limit int) ([]PeerRecord, error)
}

// BlobBackend is the content-addressed blob store consumed by both the
// execution engine (internal/engine.BlobBackend is structurally identical
// on purpose) and the federation replicator.
type BlobBackend interface {
	Put(ctx context.Context, data []byte) (codec.CID, error)
	Get(ctx context.Context, cid codec.CID) ([]byte, bool, error)
	Has(ctx context.Context, cid codec.CID) (bool, error)
}
