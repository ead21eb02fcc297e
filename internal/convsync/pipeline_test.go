package convsync

import (
	"context"
	"errors"
	"testing"
)

func callbackWith(messages []InboundMessageEvent, statuses []StatusEvent) *Callback {
	return &Callback{
		Object: "whatsapp_business_account",
		Entry: []CallbackEntry{{
			ID: "entry_1",
			Changes: []CallbackChange{{
				Field: "messages",
				Value: CallbackValue{Messages: messages, Statuses: statuses},
			}},
		}},
	}
}

func newTestPipeline(t *testing.T, service *Service, opts PipelineOptions) *Pipeline {
	t.Helper()
	opts.Service = service
	opts.DisableWorkers = true
	pipeline := NewPipeline(opts)
	t.Cleanup(pipeline.Close)
	return pipeline
}

func TestPipelineProcessesAllEvents(t *testing.T) {
	service := NewService(ServiceOptions{})
	pipeline := newTestPipeline(t, service, PipelineOptions{})

	cb := callbackWith(
		[]InboundMessageEvent{
			inboundEvent("+15550300", "wamid.p1", "hello"),
			inboundEvent("+15550300", "wamid.p2", "again"),
		},
		[]StatusEvent{{ID: "wamid.ghost", Status: "delivered", Timestamp: "1700000600"}},
	)

	resp, err := pipeline.Accept(cb)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if resp.Status != "accepted" || resp.ID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	record, err := pipeline.GetCallback(resp.ID)
	if err != nil {
		t.Fatalf("get callback: %v", err)
	}
	if record.Events != 3 || record.CompletedAt != nil {
		t.Fatalf("unexpected record before processing: %+v", record)
	}

	pipeline.drain()

	record, err = pipeline.GetCallback(resp.ID)
	if err != nil {
		t.Fatalf("get callback after drain: %v", err)
	}
	if record.Processed != 3 || len(record.Errors) != 0 {
		t.Fatalf("expected all 3 events processed, got %+v", record)
	}
	if record.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}
}

func TestPipelineIsolatesFailingEvent(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(ServiceOptions{Store: store})
	pipeline := newTestPipeline(t, service, PipelineOptions{})

	// The middle event has no sender, so it fails; its siblings must
	// still be processed.
	cb := callbackWith(
		[]InboundMessageEvent{
			inboundEvent("+15550301", "wamid.q1", "first"),
			inboundEvent("", "wamid.q2", "broken"),
			inboundEvent("+15550301", "wamid.q3", "third"),
		},
		nil,
	)

	resp, err := pipeline.Accept(cb)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	pipeline.drain()

	record, err := pipeline.GetCallback(resp.ID)
	if err != nil {
		t.Fatalf("get callback: %v", err)
	}
	if record.Processed != 2 || len(record.Errors) != 1 {
		t.Fatalf("expected 2 processed and 1 error, got %+v", record)
	}

	conv, err := store.FindConversationByCustomer(context.Background(), "+15550301")
	if err != nil {
		t.Fatalf("expected conversation from healthy events: %v", err)
	}
	unread, _ := store.CountUnread(context.Background(), conv.ID)
	if unread != 2 {
		t.Fatalf("expected 2 stored messages, got %d", unread)
	}
}

func TestPipelineRejectsWhenQueueFull(t *testing.T) {
	service := NewService(ServiceOptions{})
	pipeline := newTestPipeline(t, service, PipelineOptions{QueueSize: 1})

	if _, err := pipeline.Accept(callbackWith(nil, nil)); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	resp, err := pipeline.Accept(callbackWith(nil, nil))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v (%+v)", err, resp)
	}

	stats := pipeline.Stats()
	if stats.AcceptedTotal != 1 || stats.DroppedTotal != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPipelineRejectedCallbackLeavesNoRecord(t *testing.T) {
	service := NewService(ServiceOptions{})
	pipeline := newTestPipeline(t, service, PipelineOptions{QueueSize: 1, MaxCallbackRecords: 1})

	first, err := pipeline.Accept(callbackWith(nil, nil))
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := pipeline.Accept(callbackWith(nil, nil)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// The rejected callback must not register a record, and must not evict
	// the accepted one either.
	if _, err := pipeline.GetCallback(first.ID); err != nil {
		t.Fatalf("expected accepted record to survive a rejected accept: %v", err)
	}
	pipeline.drain()
	record, err := pipeline.GetCallback(first.ID)
	if err != nil {
		t.Fatalf("get after drain: %v", err)
	}
	if record.CompletedAt == nil {
		t.Fatal("expected accepted callback to complete")
	}
}

func TestPipelineEvictsOldestRecords(t *testing.T) {
	service := NewService(ServiceOptions{})
	pipeline := newTestPipeline(t, service, PipelineOptions{QueueSize: 8, MaxCallbackRecords: 2})

	first, err := pipeline.Accept(callbackWith(nil, nil))
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if _, err := pipeline.Accept(callbackWith(nil, nil)); err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	third, err := pipeline.Accept(callbackWith(nil, nil))
	if err != nil {
		t.Fatalf("accept 3: %v", err)
	}

	if _, err := pipeline.GetCallback(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest record to be evicted, got %v", err)
	}
	if _, err := pipeline.GetCallback(third.ID); err != nil {
		t.Fatalf("expected newest record to remain: %v", err)
	}
}

func TestPipelineGetCallbackUnknownID(t *testing.T) {
	pipeline := newTestPipeline(t, NewService(ServiceOptions{}), PipelineOptions{})
	if _, err := pipeline.GetCallback("cb_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPipelineStatsReportQueueDepth(t *testing.T) {
	pipeline := newTestPipeline(t, NewService(ServiceOptions{}), PipelineOptions{QueueSize: 4})
	if _, err := pipeline.Accept(callbackWith(nil, nil)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	stats := pipeline.Stats()
	if stats.QueueDepth != 1 || stats.QueueCapacity != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	pipeline.drain()
	if got := pipeline.Stats().QueueDepth; got != 0 {
		t.Fatalf("expected drained queue, depth=%d", got)
	}
}
