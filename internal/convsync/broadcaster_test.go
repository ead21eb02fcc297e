package convsync

import "testing"

func TestSendPrunesFailedConnection(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	healthy := &stubConn{}
	broken := &stubConn{failing: true}
	registry.Connect("op_1", healthy)
	registry.Connect("op_1", broken)

	broadcaster.Send("op_1", Envelope{Type: EnvelopePing})

	if got := len(healthy.received()); got != 1 {
		t.Fatalf("expected healthy connection to receive 1 envelope, got %d", got)
	}
	if got := len(registry.Connections("op_1")); got != 1 {
		t.Fatalf("expected broken connection to be pruned, %d remain", got)
	}

	// Further sends only hit the surviving connection.
	broadcaster.Send("op_1", Envelope{Type: EnvelopePing})
	if got := len(healthy.received()); got != 2 {
		t.Fatalf("expected 2 envelopes after prune, got %d", got)
	}
}

func TestBroadcastConversationTargetsSubscribersOnly(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	viewer := &stubConn{}
	bystander := &stubConn{}
	registry.Connect("op_1", viewer)
	registry.Connect("op_2", bystander)
	registry.SubscribeConversation("op_1", "conv_1")

	broadcaster.BroadcastConversation("conv_1", Envelope{Type: EnvelopeNewMessage})

	if got := len(viewer.received()); got != 1 {
		t.Fatalf("expected subscriber to receive the envelope, got %d", got)
	}
	if got := len(bystander.received()); got != 0 {
		t.Fatalf("expected non-subscriber to receive nothing, got %d", got)
	}

	env := viewer.received()[0]
	if env.ConversationID != "conv_1" {
		t.Fatalf("expected conversation id to be filled in, got %q", env.ConversationID)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestBroadcastDashboard(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	watcher := &stubConn{}
	other := &stubConn{}
	registry.Connect("op_1", watcher)
	registry.Connect("op_2", other)
	registry.SubscribeDashboard("op_1")

	broadcaster.BroadcastDashboard(Envelope{Type: EnvelopeConversationList})

	if got := len(watcher.received()); got != 1 {
		t.Fatalf("expected dashboard subscriber to receive the envelope, got %d", got)
	}
	if got := len(other.received()); got != 0 {
		t.Fatalf("expected non-subscriber to receive nothing, got %d", got)
	}
}

func TestBroadcastOneFailureDoesNotStopFanout(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	broken := &stubConn{failing: true}
	healthy := &stubConn{}
	registry.Connect("op_1", broken)
	registry.Connect("op_2", healthy)
	registry.SubscribeConversation("op_1", "conv_1")
	registry.SubscribeConversation("op_2", "conv_1")

	broadcaster.BroadcastConversation("conv_1", Envelope{Type: EnvelopeNewMessage})

	if got := len(healthy.received()); got != 1 {
		t.Fatalf("expected healthy subscriber to still receive the envelope, got %d", got)
	}
}
