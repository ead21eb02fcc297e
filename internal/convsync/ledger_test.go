package convsync

import (
	"context"
	"testing"
)

func seedConversation(t *testing.T, store MessageStore, customerID, assignee string) *Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, customerID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if assignee != "" {
		if err := store.SetAssignedOperator(ctx, conv.ID, assignee); err != nil {
			t.Fatalf("assign operator: %v", err)
		}
		conv.AssignedOperator = assignee
	}
	return conv
}

func seedInbound(t *testing.T, store MessageStore, conversationID, providerMessageID string) *Message {
	t.Helper()
	messages := NewMessages(store, nil)
	msg, err := messages.CreateInbound(context.Background(), conversationID, "hello", providerMessageID)
	if err != nil {
		t.Fatalf("create inbound message: %v", err)
	}
	return msg
}

func TestLedgerIncrementAndReset(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), NewRegistry())

	ledger.Increment("op_1", "conv_1")
	ledger.Increment("op_1", "conv_1")
	ledger.Increment("op_1", "conv_2")

	counts := ledger.Get("op_1")
	if counts["conv_1"] != 2 || counts["conv_2"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	ledger.Reset("op_1", "conv_1")
	if got := ledger.Get("op_1")["conv_1"]; got != 0 {
		t.Fatalf("expected reset count 0, got %d", got)
	}

	ledger.Forget("op_1")
	if got := ledger.Get("op_1"); len(got) != 0 {
		t.Fatalf("expected empty ledger after forget, got %v", got)
	}
}

func TestReconcileAssignsCountToAssignee(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()
	ledger := NewLedger(store, registry)
	conv := seedConversation(t, store, "+15550001", "op_1")
	seedInbound(t, store, conv.ID, "wamid.1")
	seedInbound(t, store, conv.ID, "wamid.2")

	// A stale cached entry for a non-owner must be cleared.
	ledger.Increment("op_2", conv.ID)

	owners, err := ledger.Reconcile(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(owners) != 1 || owners["op_1"] != 2 {
		t.Fatalf("unexpected owners %v", owners)
	}
	if got := ledger.Get("op_1")[conv.ID]; got != 2 {
		t.Fatalf("expected assignee count 2, got %d", got)
	}
	if _, cached := ledger.Get("op_2")[conv.ID]; cached {
		t.Fatal("expected stale entry for non-owner to be cleared")
	}
}

func TestReconcileUnassignedFansOutToDashboard(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()
	ledger := NewLedger(store, registry)
	conv := seedConversation(t, store, "+15550002", "")
	seedInbound(t, store, conv.ID, "wamid.3")

	registry.Connect("op_1", &stubConn{})
	registry.Connect("op_2", &stubConn{})
	registry.SubscribeDashboard("op_1")
	registry.SubscribeDashboard("op_2")

	owners, err := ledger.Reconcile(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(owners) != 2 || owners["op_1"] != 1 || owners["op_2"] != 1 {
		t.Fatalf("unexpected owners %v", owners)
	}
}

func TestReconcileRebalancesAfterReassignment(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, NewRegistry())
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550003", "op_1")
	seedInbound(t, store, conv.ID, "wamid.4")

	if _, err := ledger.Reconcile(ctx, conv.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := ledger.Get("op_1")[conv.ID]; got != 1 {
		t.Fatalf("expected count 1 for original assignee, got %d", got)
	}

	if err := store.SetAssignedOperator(ctx, conv.ID, "op_2"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	owners, err := ledger.Reconcile(ctx, conv.ID)
	if err != nil {
		t.Fatalf("reconcile after reassign: %v", err)
	}
	if owners["op_2"] != 1 {
		t.Fatalf("expected new assignee to own the count, got %v", owners)
	}
	if _, cached := ledger.Get("op_1")[conv.ID]; cached {
		t.Fatal("expected previous assignee's entry to be cleared")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store, NewRegistry())
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550004", "op_1")
	seedInbound(t, store, conv.ID, "wamid.5")

	for i := 0; i < 3; i++ {
		owners, err := ledger.Reconcile(ctx, conv.ID)
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if owners["op_1"] != 1 {
			t.Fatalf("reconcile %d: unexpected owners %v", i, owners)
		}
	}
}
