// Package events implements the runtime's event fan-out: a typed union of
// node-local occurrences, delivered at-least-once to subscribers with
// offset-based acknowledgment and a bounded backlog that drops the oldest
// unacknowledged event rather than growing without limit, inserting a
// Gap so a lagging subscriber can detect the loss instead of silently
// missing it.
package events

import (
	"sync"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/identity"
)

// Kind is the closed tag of the event union.
type Kind string

const (
	KindNodeStored            Kind = "NodeStored"
	KindProposalStateChanged  Kind = "ProposalStateChanged"
	KindReceiptEmitted        Kind = "ReceiptEmitted"
	KindBundleAccepted        Kind = "BundleAccepted"
	KindPeerConnected         Kind = "PeerConnected"
	KindReplicationShortfall  Kind = "ReplicationShortfall"
	KindGap                   Kind = "Gap"
)

// Event is one occurrence in the fan-out log. Offset is assigned by the
// Bus on publish and is strictly increasing; Payload carries a Kind-typed
// struct (NodeStoredPayload, ProposalStateChangedPayload, etc.) — callers
// type-switch on Kind to decode it, matching the closed ABI union's style
// of never exposing an open string-keyed payload.
type Event struct {
	Offset  uint64
	Kind    Kind
	Payload interface{}
}

type NodeStoredPayload struct {
	CID    codec.CID
	Issuer identity.DID
}

type ProposalStateChangedPayload struct {
	ProposalID string
	From, To   string
}

type ReceiptEmittedPayload struct {
	InvocationInputHash codec.CID
	OK                  bool
}

type BundleAcceptedPayload struct {
	FederationID string
	Epoch        uint64
	DAGRoot      codec.CID
}

type PeerConnectedPayload struct {
	PeerID string
}

type ReplicationShortfallPayload struct {
	CID       codec.CID
	Required  int
	Achieved  int
}

// GapPayload tells a subscriber how many events were dropped before this
// point because it fell further behind than the backlog bound allows.
type GapPayload struct {
	Count uint64
}

// subscriber is a single registered consumer's position and delivery
// channel. The Bus never blocks waiting on a slow consumer beyond the
// backlog bound; past that bound the oldest undelivered event for that
// consumer is dropped and folded into a Gap.
type subscriber struct {
	id      uint64
	backlog []Event
	ackedTo uint64
	notify  chan struct{}
}

// Bus is the in-process at-least-once event fan-out. A production
// deployment exposes it over the gorilla/websocket API surface
// (internal/api); this type holds no transport-specific state so it can be
// tested and used headlessly.
type Bus struct {
	mu          sync.Mutex
	nextOffset  uint64
	nextSubID   uint64
	subs        map[uint64]*subscriber
	backlogSize int
}

// NewBus constructs a Bus whose per-subscriber backlog is bounded by
// backlogSize events — the "event-backlog-bound" deployment knob.
func NewBus(backlogSize int) *Bus {
	if backlogSize <= 0 {
		backlogSize = 1024
	}
	return &Bus{subs: make(map[uint64]*subscriber), backlogSize: backlogSize}
}

// Publish appends an event to every subscriber's backlog, assigning it the
// next offset. If a subscriber's backlog is already at its bound, the
// oldest entry is dropped and a Gap(1) is recorded in its place so the
// subscriber can detect it lost events rather than silently skipping them.
func (b *Bus) Publish(kind Kind, payload interface{}) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOffset++
	ev := Event{Offset: b.nextOffset, Kind: kind, Payload: payload}
	for _, s := range b.subs {
		b.appendLocked(s, ev)
	}
	return ev
}

func (b *Bus) appendLocked(s *subscriber, ev Event) {
	if len(s.backlog) >= b.backlogSize {
		if len(s.backlog) > 0 && s.backlog[0].Kind == KindGap {
			// a gap marker already leads the backlog: fold this drop into
			// it and discard the oldest real event behind it, so the
			// marker's count always reflects every event lost so far.
			gp := s.backlog[0].Payload.(GapPayload)
			gp.Count++
			s.backlog[0].Payload = gp
			if len(s.backlog) > 1 {
				s.backlog = append(s.backlog[:1], s.backlog[2:]...)
			}
		} else {
			dropped := s.backlog[0]
			gap := Event{Offset: dropped.Offset, Kind: KindGap, Payload: GapPayload{Count: 1}}
			s.backlog = append([]Event{gap}, s.backlog[1:]...)
		}
	}
	s.backlog = append(s.backlog, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Subscription is a consumer's handle on the Bus: Poll drains pending
// events since the last Ack, Ack removes the acknowledged events from the
// backlog.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Subscribe registers a new subscriber starting from the next published
// event. It takes no starting offset, so a new subscription cannot resume
// an earlier one; events published before it are not delivered to it.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = &subscriber{id: id, notify: make(chan struct{}, 1)}
	return &Subscription{bus: b, id: id}
}

// Poll returns every event published since the last Ack, oldest first.
func (s *Subscription) Poll() []Event {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	sub, ok := s.bus.subs[s.id]
	if !ok {
		return nil
	}
	out := make([]Event, len(sub.backlog))
	copy(out, sub.backlog)
	return out
}

// Ack acknowledges delivery up to and including offset, freeing those
// slots in the backlog.
func (s *Subscription) Ack(offset uint64) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	sub, ok := s.bus.subs[s.id]
	if !ok {
		return
	}
	sub.ackedTo = offset
	kept := sub.backlog[:0]
	for _, ev := range sub.backlog {
		if ev.Offset > offset {
			kept = append(kept, ev)
		}
	}
	sub.backlog = kept
}

// Notify returns a channel that receives a value whenever new events are
// published, for subscribers that want to block-and-poll rather than
// busy-poll (the websocket handler in internal/api uses this).
func (s *Subscription) Notify() <-chan struct{} {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	sub, ok := s.bus.subs[s.id]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sub.notify
}

// Unsubscribe removes a subscriber from the bus.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
}
