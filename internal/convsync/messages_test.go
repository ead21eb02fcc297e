package convsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateInboundRejectsReplay(t *testing.T) {
	store := NewMemoryStore()
	messages := NewMessages(store, nil)
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550100", "")

	if _, err := messages.CreateInbound(ctx, conv.ID, "hi", "wamid.dup"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := messages.CreateInbound(ctx, conv.ID, "hi again", "wamid.dup")
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	count, err := store.CountUnread(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 1 {
		t.Fatalf("replay must not create a second message, unread=%d", count)
	}
}

func TestRecordSendResult(t *testing.T) {
	store := NewMemoryStore()
	messages := NewMessages(store, nil)
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550101", "")

	msg, err := messages.CreateOutbound(ctx, conv.ID, "hello from support")
	if err != nil {
		t.Fatalf("create outbound: %v", err)
	}
	if msg.OutboundStatus != OutboundPending {
		t.Fatalf("expected pending, got %s", msg.OutboundStatus)
	}

	msg, err = messages.RecordSendResult(ctx, msg, "wamid.out1", nil)
	if err != nil {
		t.Fatalf("record send result: %v", err)
	}
	if msg.OutboundStatus != OutboundSent || msg.ProviderMessageID != "wamid.out1" || msg.SentAt == nil {
		t.Fatalf("unexpected message after send: %+v", msg)
	}

	failed, err := messages.CreateOutbound(ctx, conv.ID, "second try")
	if err != nil {
		t.Fatalf("create outbound: %v", err)
	}
	failed, err = messages.RecordSendResult(ctx, failed, "", errors.New("provider unavailable"))
	if err != nil {
		t.Fatalf("record failed send: %v", err)
	}
	if failed.OutboundStatus != OutboundFailed || failed.SentAt != nil {
		t.Fatalf("unexpected message after failed send: %+v", failed)
	}
}

func sendOutboundWithProviderID(t *testing.T, messages *Messages, store MessageStore, conversationID, providerID string) *Message {
	t.Helper()
	ctx := context.Background()
	msg, err := messages.CreateOutbound(ctx, conversationID, "ping")
	if err != nil {
		t.Fatalf("create outbound: %v", err)
	}
	msg, err = messages.RecordSendResult(ctx, msg, providerID, nil)
	if err != nil {
		t.Fatalf("record send result: %v", err)
	}
	return msg
}

func TestApplyProviderStatusAdvancesMonotonically(t *testing.T) {
	store := NewMemoryStore()
	messages := NewMessages(store, nil)
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550102", "")
	sendOutboundWithProviderID(t, messages, store, conv.ID, "wamid.out2")

	updated, msg, err := messages.ApplyProviderStatus(ctx, "wamid.out2", OutboundDelivered, time.Unix(1700000100, 0))
	if err != nil || !updated {
		t.Fatalf("expected delivered to apply, updated=%v err=%v", updated, err)
	}
	if msg.OutboundStatus != OutboundDelivered || msg.DeliveredAt == nil {
		t.Fatalf("unexpected message after delivered: %+v", msg)
	}

	// A late "sent" must not regress state or timestamps.
	updated, msg, err = messages.ApplyProviderStatus(ctx, "wamid.out2", OutboundSent, time.Unix(1700000050, 0))
	if err != nil {
		t.Fatalf("apply late sent: %v", err)
	}
	if updated {
		t.Fatal("late sent must be a no-op")
	}
	if msg.OutboundStatus != OutboundDelivered {
		t.Fatalf("status regressed to %s", msg.OutboundStatus)
	}

	updated, msg, err = messages.ApplyProviderStatus(ctx, "wamid.out2", OutboundRead, time.Unix(1700000200, 0))
	if err != nil || !updated {
		t.Fatalf("expected read to apply, updated=%v err=%v", updated, err)
	}
	if msg.ReadAt == nil {
		t.Fatal("expected read timestamp")
	}

	// Read is terminal.
	updated, _, err = messages.ApplyProviderStatus(ctx, "wamid.out2", OutboundDelivered, time.Unix(1700000300, 0))
	if err != nil {
		t.Fatalf("apply after read: %v", err)
	}
	if updated {
		t.Fatal("no status may follow read")
	}
}

func TestApplyProviderStatusOutOfOrderConverges(t *testing.T) {
	store := NewMemoryStore()
	messages := NewMessages(store, nil)
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550103", "")
	sendOutboundWithProviderID(t, messages, store, conv.ID, "wamid.out3")

	// The read callback overtakes delivered on the wire.
	if updated, _, err := messages.ApplyProviderStatus(ctx, "wamid.out3", OutboundRead, time.Unix(1700000400, 0)); err != nil || !updated {
		t.Fatalf("apply read: updated=%v err=%v", updated, err)
	}
	updated, msg, err := messages.ApplyProviderStatus(ctx, "wamid.out3", OutboundDelivered, time.Unix(1700000350, 0))
	if err != nil {
		t.Fatalf("apply delivered after read: %v", err)
	}
	if updated || msg.OutboundStatus != OutboundRead {
		t.Fatalf("expected read to stick, updated=%v status=%s", updated, msg.OutboundStatus)
	}
	if msg.DeliveredAt != nil {
		t.Fatal("late delivered must not stamp a timestamp")
	}
}

func TestApplyProviderStatusUnknownMessage(t *testing.T) {
	messages := NewMessages(NewMemoryStore(), nil)
	_, _, err := messages.ApplyProviderStatus(context.Background(), "wamid.ghost", OutboundDelivered, time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyProviderStatusRejectsInvalidStatus(t *testing.T) {
	messages := NewMessages(NewMemoryStore(), nil)
	_, _, err := messages.ApplyProviderStatus(context.Background(), "wamid.x", OutboundStatus("bounced"), time.Time{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMarkReadRequiresAssignee(t *testing.T) {
	store := NewMemoryStore()
	messages := NewMessages(store, nil)
	ctx := context.Background()
	conv := seedConversation(t, store, "+15550104", "op_1")
	seedInbound(t, store, conv.ID, "wamid.in1")
	seedInbound(t, store, conv.ID, "wamid.in2")

	if _, err := messages.MarkRead(ctx, conv.ID, "op_2"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for non-assignee, got %v", err)
	}
	count, _ := store.CountUnread(ctx, conv.ID)
	if count != 2 {
		t.Fatalf("rejected mark-read must not mutate, unread=%d", count)
	}

	marked, err := messages.MarkRead(ctx, conv.ID, "op_1")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 2 {
		t.Fatalf("expected 2 marked, got %d", marked)
	}

	marked, err = messages.MarkRead(ctx, conv.ID, "op_1")
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if marked != 0 {
		t.Fatalf("expected 0 marked on an already-read conversation, got %d", marked)
	}
}

func TestMarkReadUnknownConversation(t *testing.T) {
	messages := NewMessages(NewMemoryStore(), nil)
	if _, err := messages.MarkRead(context.Background(), "conv_missing", "op_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOutboundStatusAdvances(t *testing.T) {
	cases := []struct {
		from OutboundStatus
		to   OutboundStatus
		want bool
	}{
		{OutboundPending, OutboundSent, true},
		{OutboundPending, OutboundFailed, true},
		{OutboundSent, OutboundDelivered, true},
		{OutboundSent, OutboundRead, true},
		{OutboundDelivered, OutboundRead, true},
		{OutboundDelivered, OutboundSent, false},
		{OutboundRead, OutboundDelivered, false},
		{OutboundRead, OutboundFailed, false},
		{OutboundSent, OutboundSent, false},
	}
	for _, tc := range cases {
		if got := tc.from.Advances(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
