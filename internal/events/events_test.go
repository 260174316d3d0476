package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()

	bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "peer-1"})
	bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "peer-2"})

	got := sub.Poll()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Offset >= got[1].Offset {
		t.Fatal("offsets must be strictly increasing")
	}
}

func TestAckFreesBacklog(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()
	ev1 := bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "p1"})
	bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "p2"})

	sub.Ack(ev1.Offset)
	remaining := sub.Poll()
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining event after ack, got %d", len(remaining))
	}
}

func TestBacklogOverflowInsertsGap(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "p"})
	}

	got := sub.Poll()
	if len(got) == 0 {
		t.Fatal("expected some events to remain in backlog")
	}
	if got[0].Kind != KindGap {
		t.Fatalf("expected a leading Gap event after overflow, got %v", got[0].Kind)
	}
	gap, ok := got[0].Payload.(GapPayload)
	if !ok || gap.Count == 0 {
		t.Fatalf("expected a non-zero gap count, got %+v", got[0].Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Publish(KindPeerConnected, PeerConnectedPayload{PeerID: "p"})
	if got := sub.Poll(); got != nil {
		t.Fatalf("expected no events for an unsubscribed consumer, got %v", got)
	}
}
