// Package federation implements inter-node trust: signed trust bundles,
// guardian quorum acceptance, provider-record blob replication, and bundle fork
// detection. It is the only package other than internal/capability
// permitted to import libp2p types; everything else in the runtime talks
// to it through capability.PeerTransport.
package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"governance-runtime/internal/capability"
	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
)

// LibP2PTransport is the production capability.PeerTransport, generalizing
// the teacher's Node (core/network.go): a libp2p host plus a gossipsub
// router, with topics joined lazily and subscriptions fanned out to
// per-call receive channels instead of a single package-global dispatch
// table.
type LibP2PTransport struct {
	host   host.Host
	pubsub *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	providers   map[string][]capability.PeerRecord // cid bytes (as string) -> announced peers
	providersMu sync.RWMutex
}

// NewLibP2PTransport starts a libp2p host listening on listenAddr and joins
// the gossipsub overlay, mirroring NewNode's construction order: host
// first, pubsub second, so Close always has a host to tear down even if
// pubsub setup fails.
func NewLibP2PTransport(ctx context.Context, listenAddr string) (*LibP2PTransport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "create libp2p host", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, errs.Wrap(errs.InternalError, "create gossipsub router", err)
	}
	return &LibP2PTransport{
		host:      h,
		pubsub:    ps,
		topics:    make(map[string]*pubsub.Topic),
		providers: make(map[string][]capability.PeerRecord),
	}, nil
}

func (t *LibP2PTransport) joinTopic(topic string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[topic]
	if ok {
		return tp, nil
	}
	tp, err := t.pubsub.Join(topic)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "join topic "+topic, err)
	}
	t.topics[topic] = tp
	return tp, nil
}

// Send publishes payload on topic. peer is accepted for interface symmetry
// with a future point-to-point transport; gossipsub fans out to every
// subscriber of the topic rather than addressing one peer directly.
func (t *LibP2PTransport) Send(ctx context.Context, _ capability.PeerRecord, topic string, payload []byte) error {
	tp, err := t.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := tp.Publish(ctx, payload); err != nil {
		return errs.Wrap(errs.InternalError, "publish to "+topic, err)
	}
	return nil
}

// Receive subscribes to topic and streams decoded message payloads until
// ctx is cancelled, at which point the returned channel is closed.
func (t *LibP2PTransport) Receive(ctx context.Context, topic string) (<-chan []byte, error) {
	tp, err := t.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "subscribe to "+topic, err)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				logrus.WithError(err).WithField("topic", topic).Debug("federation subscription ended")
				return
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// AnnounceProvider records this node as a provider of cid in a node-local
// index. The announcement is not sent to other peers, and no DHT backs
// the index.
func (t *LibP2PTransport) AnnounceProvider(ctx context.Context, cid codec.CID) error {
	t.providersMu.Lock()
	defer t.providersMu.Unlock()
	key := string(cid.Bytes())
	self := capability.PeerRecord{PeerID: t.host.ID().String(), Addresses: addrStrings(t.host)}
	for _, p := range t.providers[key] {
		if p.PeerID == self.PeerID {
			return nil
		}
	}
	t.providers[key] = append(t.providers[key], self)
	return nil
}

// FindProviders returns up to limit known providers of cid.
func (t *LibP2PTransport) FindProviders(ctx context.Context, cid codec.CID, limit int) ([]capability.PeerRecord, error) {
	t.providersMu.RLock()
	defer t.providersMu.RUnlock()
	all := t.providers[string(cid.Bytes())]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]capability.PeerRecord, limit)
	copy(out, all[:limit])
	return out, nil
}

// Connect dials a bootstrap peer by its libp2p multiaddr string, mirroring
// Node.DialSeed's per-address error collection.
func (t *LibP2PTransport) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return errs.Wrap(errs.MalformedEncoding, "parse peer address "+addr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return errs.Wrap(errs.InternalError, "connect to "+addr, err)
	}
	return nil
}

// Close tears down the pubsub host.
func (t *LibP2PTransport) Close() error { return t.host.Close() }

func addrStrings(h host.Host) []string {
	addrs := h.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s/p2p/%s", a.String(), h.ID().String())
	}
	return out
}

var _ capability.PeerTransport = (*LibP2PTransport)(nil)
